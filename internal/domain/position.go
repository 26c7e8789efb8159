package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide 仓位方向
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// SideForOpen 开仓单方向对应的仓位方向
func SideForOpen(s Side) PositionSide {
	if s == SideSell {
		return PositionShort
	}
	return PositionLong
}

// ClosingSide 平仓单方向
func (s PositionSide) ClosingSide() Side {
	if s == PositionShort {
		return SideBuy
	}
	return SideSell
}

// PositionStatus 仓位状态
type PositionStatus string

const (
	PositionStatusOpen            PositionStatus = "open"
	PositionStatusPartiallyClosed PositionStatus = "partially_closed"
	PositionStatusClosed          PositionStatus = "closed"
)

// Position 仓位领域模型
//
// Quantity 始终 >= 0，方向由 Side 表达。
type Position struct {
	ID            string           `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Symbol        string           `json:"symbol"`
	Side          PositionSide     `json:"side"`
	Quantity      decimal.Decimal  `json:"quantity"`
	AvgEntryPrice decimal.Decimal  `json:"avg_entry_price"`
	MarkPrice     decimal.Decimal  `json:"mark_price"`
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	Leverage      decimal.Decimal  `json:"leverage"`
	StopLoss      *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"take_profit,omitempty"`
	Status        PositionStatus   `json:"status"`
	// ExitPending 已触发止损/止盈，平仓单在途
	ExitPending bool       `json:"exit_pending"`
	ExitOrderID string     `json:"exit_order_id,omitempty"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// IsOpen 未关闭（open 或 partially_closed）
func (p *Position) IsOpen() bool {
	return p != nil && p.Status != PositionStatusClosed
}

// Key 仓位的串行化键
func (p *Position) Key() SymbolKey {
	return SymbolKey{OwnerID: p.OwnerID, Symbol: p.Symbol}
}

// Notional 按入场均价计算的名义敞口
func (p *Position) Notional() decimal.Decimal {
	if !p.IsOpen() {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.AvgEntryPrice)
}

// PnLAt 以给定价格计算 qty 数量的盈亏（多头 qty×(F−P)，空头取反）
func (p *Position) PnLAt(price, qty decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.AvgEntryPrice)
	if p.Side == PositionShort {
		diff = diff.Neg()
	}
	return diff.Mul(qty)
}

// Mark 用最新价格刷新未实现盈亏
func (p *Position) Mark(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.MarkPrice = price
	if !p.IsOpen() {
		p.UnrealizedPnL = decimal.Zero
		return
	}
	p.UnrealizedPnL = p.PnLAt(price, p.Quantity)
}

// IsReducedBy 该方向的订单是否为减仓
func (p *Position) IsReducedBy(s Side) bool {
	if !p.IsOpen() {
		return false
	}
	return (p.Side == PositionLong && s == SideSell) || (p.Side == PositionShort && s == SideBuy)
}

// Clone 返回副本
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Trigger 止损/止盈判定结果
type Trigger string

const (
	TriggerNone       Trigger = "none"
	TriggerStopLoss   Trigger = "stop_loss"
	TriggerTakeProfit Trigger = "take_profit"
)

// Origin 触发对应的平仓单来源
func (t Trigger) Origin() OrderOrigin {
	switch t {
	case TriggerStopLoss:
		return OriginStopLoss
	case TriggerTakeProfit:
		return OriginTakeProfit
	}
	return OriginManual
}

// TriggerDecision 触发决策，Fired 时由执行器生成平仓单
type TriggerDecision struct {
	Trigger    Trigger         `json:"trigger"`
	PositionID string          `json:"position_id"`
	OwnerID    string          `json:"owner_id"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// Fired 是否触发
func (d TriggerDecision) Fired() bool {
	return d.Trigger != "" && d.Trigger != TriggerNone
}
