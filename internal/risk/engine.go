package risk

import (
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
)

var riskLog = logrus.WithField("component", "risk_engine")

// Limits 风控阈值；<= 0 表示关闭对应规则
type Limits struct {
	// DailyLossLimit 当日亏损上限（正数），当日 PnL <= -DailyLossLimit 时停止开新风险
	DailyLossLimit   decimal.Decimal `json:"daily_loss_limit"`
	MaxTradesPerDay  int             `json:"max_trades_per_day"`
	MaxOpenPositions int             `json:"max_open_positions"`
	MaxLeverage      decimal.Decimal `json:"max_leverage"`
}

// CheckInput 一次下单前检查所需的上下文
type CheckInput struct {
	Order *domain.Order
	// Position 同 (owner, symbol) 当前未关闭仓位，可为 nil
	Position *domain.Position
	// ReferencePrice 用于计算名义金额；市价单取最新行情
	ReferencePrice decimal.Decimal
}

// Engine 下单前风控。规则按顺序检查，第一个失败即返回。
type Engine struct {
	mu      sync.RWMutex
	limits  Limits
	ledger  *Ledger
	breaker *CircuitBreaker
}

func NewEngine(limits Limits, ledger *Ledger, breaker *CircuitBreaker) *Engine {
	return &Engine{limits: limits, ledger: ledger, breaker: breaker}
}

func (e *Engine) Limits() Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

func (e *Engine) SetLimits(l Limits) {
	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) Breaker() *CircuitBreaker { return e.breaker }

// IsRiskReducing 订单是否只减少现有仓位（止损/止盈平仓单属于此类）
func IsRiskReducing(order *domain.Order, pos *domain.Position) bool {
	if order == nil || pos == nil || !pos.IsOpen() {
		return false
	}
	return pos.IsReducedBy(order.Side) && order.Quantity.LessThanOrEqual(pos.Quantity)
}

// Check 下单前检查（不预占额度）；减仓单不受新风险规则约束。
// 返回 *domain.RiskLimitError 或 circuit_open。
func (e *Engine) Check(in CheckInput) error {
	return e.check(in, false)
}

// Admit 检查通过即在 owner 账本上预占额度，订单结束时须调用 Release。
// 检查与预占在 owner 锁内原子完成。
func (e *Engine) Admit(in CheckInput) error {
	return e.check(in, true)
}

// Release 归还订单的预占额度；成交计入时已自动归还
func (e *Engine) Release(ownerID, orderID string) {
	e.ledger.Release(ownerID, orderID)
}

// ReservationFor 订单占用的额度
func ReservationFor(in CheckInput) Reservation {
	r := Reservation{Symbol: in.Order.Symbol, Opens: !in.Position.IsOpen()}
	if in.ReferencePrice.IsPositive() {
		r.Notional = in.Order.Quantity.Mul(in.ReferencePrice)
	}
	return r
}

func (e *Engine) check(in CheckInput, reserve bool) error {
	if in.Order == nil {
		return domain.NewValidationError("order is nil")
	}
	if IsRiskReducing(in.Order, in.Position) {
		return nil
	}

	if err := e.breaker.AllowTrading(); err != nil {
		return domain.NewCircuitOpen(err)
	}

	limits := e.Limits()
	rules := func(st State, opensNew bool) error {
		return e.evaluate(in, limits, st, opensNew)
	}
	r := ReservationFor(in)
	if reserve {
		return e.ledger.Admit(in.Order.OwnerID, in.Order.ID, r, rules)
	}
	return e.ledger.Evaluate(in.Order.OwnerID, r, rules)
}

// evaluate 规则按顺序检查；st 已叠加其他在途订单的预占额度
func (e *Engine) evaluate(in CheckInput, limits Limits, st State, opensNew bool) error {
	// 1. 当日亏损下限
	if limits.DailyLossLimit.IsPositive() {
		floor := limits.DailyLossLimit.Neg()
		if pnl := st.DailyPnL(); pnl.LessThanOrEqual(floor) {
			return e.reject(in.Order, domain.RuleDailyLossFloor, pnl, floor)
		}
	}

	// 2. 当日交易次数
	if limits.MaxTradesPerDay > 0 && st.TradeCount >= limits.MaxTradesPerDay {
		return e.reject(in.Order, domain.RuleMaxTradesPerDay,
			decimal.NewFromInt(int64(st.TradeCount)), decimal.NewFromInt(int64(limits.MaxTradesPerDay)))
	}

	// 3. 同时持仓数：只约束会新开仓位的订单
	if limits.MaxOpenPositions > 0 && opensNew && st.OpenPositions >= limits.MaxOpenPositions {
		return e.reject(in.Order, domain.RuleMaxOpenPositions,
			decimal.NewFromInt(int64(st.OpenPositions)), decimal.NewFromInt(int64(limits.MaxOpenPositions)))
	}

	// 4. 成交后杠杆 = (现有敞口 + 本单名义金额) / 权益
	if limits.MaxLeverage.IsPositive() {
		if !in.ReferencePrice.IsPositive() {
			return e.reject(in.Order, domain.RuleReferencePrice, decimal.Zero, decimal.Zero)
		}
		exposure := st.Exposure.Add(in.Order.Quantity.Mul(in.ReferencePrice))
		if !st.Equity.IsPositive() {
			return e.reject(in.Order, domain.RuleMaxLeverage, exposure, limits.MaxLeverage)
		}
		lev := exposure.Div(st.Equity)
		if lev.GreaterThan(limits.MaxLeverage) {
			return e.reject(in.Order, domain.RuleMaxLeverage, lev, limits.MaxLeverage)
		}
	}
	return nil
}

func (e *Engine) reject(order *domain.Order, rule string, current, limit decimal.Decimal) error {
	riskLog.Warnf("⛔ 风控拒单: orderID=%s owner=%s symbol=%s rule=%s current=%s limit=%s",
		order.ID, order.OwnerID, order.Symbol, rule, current, limit)
	return &domain.RiskLimitError{Rule: rule, Current: current, Limit: limit}
}

// StopTrigger 比较价格与止损/止盈价。
// 多头：price <= stop 止损，price >= target 止盈；空头相反。止损优先。
func StopTrigger(side domain.PositionSide, stop, target *decimal.Decimal, price decimal.Decimal) domain.Trigger {
	if !price.IsPositive() {
		return domain.TriggerNone
	}
	if side == domain.PositionShort {
		if stop != nil && price.GreaterThanOrEqual(*stop) {
			return domain.TriggerStopLoss
		}
		if target != nil && price.LessThanOrEqual(*target) {
			return domain.TriggerTakeProfit
		}
		return domain.TriggerNone
	}
	if stop != nil && price.LessThanOrEqual(*stop) {
		return domain.TriggerStopLoss
	}
	if target != nil && price.GreaterThanOrEqual(*target) {
		return domain.TriggerTakeProfit
	}
	return domain.TriggerNone
}

// EvaluateStop 成交后或行情更新时判定仓位是否触发止损/止盈，不修改仓位。
// ExitPending 的原子置位由 position.Manager.CheckStopConditions 完成。
func (e *Engine) EvaluateStop(pos *domain.Position, price decimal.Decimal) domain.Trigger {
	if !pos.IsOpen() || pos.ExitPending {
		return domain.TriggerNone
	}
	return StopTrigger(pos.Side, pos.StopLoss, pos.TakeProfit, price)
}
