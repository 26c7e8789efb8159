package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrCircuitBreakerOpen 表示断路器已打开，禁止继续开新风险。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 断路器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续券商错误上限（下单失败/超时）。
	MaxConsecutiveErrors int64
}

// CircuitBreaker 高频快路径使用原子变量。
//
// 当日亏损熔断由 Ledger + Engine 负责（按 owner 统计），这里只处理
// 与具体用户无关的券商侧连续错误。
type CircuitBreaker struct {
	halted atomic.Bool

	consecutiveErrors atomic.Int64
	totalTrips        atomic.Int64

	maxConsecutiveErrors atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxConsecutiveErrors.Store(cfg.MaxConsecutiveErrors)
}

// Halt 手动熔断（如人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	if cb.halted.CompareAndSwap(false, true) {
		cb.totalTrips.Add(1)
	}
}

// Resume 手动恢复（会同时清空连续错误计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveErrors.Store(0)
}

// AllowTrading 快路径检查是否允许开新风险。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	if cb.halted.Load() {
		return ErrCircuitBreakerOpen
	}
	maxErr := cb.maxConsecutiveErrors.Load()
	if maxErr > 0 && cb.consecutiveErrors.Load() >= maxErr {
		cb.Halt()
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 在一次券商调用成功后调用，用于清空连续错误计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Store(0)
}

// OnError 在一次券商调用失败后调用，用于累计连续错误计数。
func (cb *CircuitBreaker) OnError() {
	if cb == nil {
		return
	}
	cb.consecutiveErrors.Add(1)
}

// BreakerState 健康检查用快照
type BreakerState struct {
	Halted            bool  `json:"halted"`
	ConsecutiveErrors int64 `json:"consecutive_errors"`
	Trips             int64 `json:"trips"`
}

func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerState{}
	}
	return BreakerState{
		Halted:            cb.halted.Load(),
		ConsecutiveErrors: cb.consecutiveErrors.Load(),
		Trips:             cb.totalTrips.Load(),
	}
}
