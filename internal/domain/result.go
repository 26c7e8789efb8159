package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Metadata 每个响应都带的时间戳与耗时（失败路径也一样）
type Metadata struct {
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration_ns"`
}

// ErrorInfo 序列化用的错误描述
type ErrorInfo struct {
	Kind    ErrorKind        `json:"kind"`
	Message string           `json:"message"`
	Rule    string           `json:"rule,omitempty"`
	Current *decimal.Decimal `json:"current,omitempty"`
	Limit   *decimal.Decimal `json:"limit,omitempty"`
}

// NewErrorInfo 从 error 构造 ErrorInfo
func NewErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	var rl *RiskLimitError
	if errors.As(err, &rl) {
		cur, lim := rl.Current, rl.Limit
		info.Rule = rl.Rule
		info.Current = &cur
		info.Limit = &lim
	}
	return info
}

// Result 统一返回信封 {success, data, error, metadata}
type Result[T any] struct {
	Success  bool       `json:"success"`
	Data     T          `json:"data"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`

	err error
}

// Err 返回原始 error，便于 errors.Is/As
func (r Result[T]) Err() error { return r.err }

// NewResult 按 started 计算耗时
func NewResult[T any](data T, err error, started time.Time) Result[T] {
	now := time.Now()
	return Result[T]{
		Success: err == nil,
		Data:    data,
		Error:   NewErrorInfo(err),
		Metadata: Metadata{
			Timestamp: now,
			Duration:  now.Sub(started),
		},
		err: err,
	}
}

// BrokerStatus 券商侧订单状态
type BrokerStatus string

const (
	BrokerStatusPending         BrokerStatus = "pending"
	BrokerStatusFilled          BrokerStatus = "filled"
	BrokerStatusPartiallyFilled BrokerStatus = "partially_filled"
	BrokerStatusRejected        BrokerStatus = "rejected"
	BrokerStatusCancelled       BrokerStatus = "cancelled"
	BrokerStatusUnknown         BrokerStatus = "unknown"
)

// BrokerReport 券商调用的统一结果
type BrokerReport struct {
	Success        bool            `json:"success"`
	OrderID        string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Status         BrokerStatus    `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	Message        string          `json:"message,omitempty"`
	Metadata       Metadata        `json:"metadata"`
}

// HasFill 是否带有成交
func (r *BrokerReport) HasFill() bool {
	return r != nil && r.FilledQuantity.IsPositive() && r.FillPrice.IsPositive()
}

// ConnectionResult 连接结果
type ConnectionResult struct {
	Success   bool     `json:"success"`
	SessionID string   `json:"session_id,omitempty"`
	Message   string   `json:"message,omitempty"`
	Metadata  Metadata `json:"metadata"`
}

// Credentials 券商凭证；加密落盘见 pkg/secretstore
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	AccountID string `json:"account_id"`
}
