package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 订单方向
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向（平仓单使用）
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid 检查方向是否合法
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// Valid 检查订单类型是否可识别
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop:
		return true
	}
	return false
}

// OrderStatus 订单状态
//
// received -> validated -> risk_checked -> submitted -> {filled, partially_filled, rejected, failed, cancelled}
// 券商超时的订单进入 awaiting_reconciliation，由状态轮询决定最终结果。
type OrderStatus string

const (
	OrderStatusReceived               OrderStatus = "received"
	OrderStatusValidated              OrderStatus = "validated"
	OrderStatusRiskChecked            OrderStatus = "risk_checked"
	OrderStatusSubmitted              OrderStatus = "submitted"
	OrderStatusAwaitingReconciliation OrderStatus = "awaiting_reconciliation"
	OrderStatusFilled                 OrderStatus = "filled"
	OrderStatusPartiallyFilled        OrderStatus = "partially_filled"
	OrderStatusCancelled              OrderStatus = "cancelled"
	OrderStatusRejected               OrderStatus = "rejected"
	OrderStatusFailed                 OrderStatus = "failed"
)

// IsTerminal 最终状态不会再被覆盖
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusPartiallyFilled, OrderStatusCancelled,
		OrderStatusRejected, OrderStatusFailed:
		return true
	}
	return false
}

// OrderOrigin 订单来源
type OrderOrigin string

const (
	OriginManual     OrderOrigin = "manual"
	OriginStopLoss   OrderOrigin = "stop_loss"
	OriginTakeProfit OrderOrigin = "take_profit"
)

// 订单失败/拒绝原因
const (
	ReasonLockTimeout     = "lock_timeout"
	ReasonBrokerTimeout   = "broker_timeout"
	ReasonBrokerError     = "broker_error"
	ReasonBrokerRejected  = "broker_rejected"
	ReasonNotConnected    = "not_connected"
	ReasonCircuitOpen     = "circuit_open"
	ReasonOverfill        = "overfill"
	ReasonUnknownPosition = "unknown_position"
)

// OrderRequest 调用方提交的下单请求
type OrderRequest struct {
	// ID 可选的幂等键；为空时由执行器生成
	ID         string           `json:"id,omitempty"`
	OwnerID    string           `json:"owner_id"`
	Symbol     string           `json:"symbol"`
	Side       Side             `json:"side"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Type       OrderType        `json:"type"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	StopPrice  *decimal.Decimal `json:"stop_price,omitempty"`
	PositionID string           `json:"position_id,omitempty"`
	// StopLoss/TakeProfit 开仓成交后挂到仓位上的触发价
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	Origin     OrderOrigin      `json:"origin,omitempty"`
}

// Validate 结构校验，失败时在任何加锁之前返回 ValidationError
func (r *OrderRequest) Validate() error {
	if r == nil {
		return NewValidationError("request is nil")
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return NewValidationError("owner_id is required")
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return NewValidationError("symbol is required")
	}
	if !r.Quantity.IsPositive() {
		return NewValidationError("quantity must be greater than 0")
	}
	if !r.Side.Valid() {
		return NewValidationError("side must be buy or sell")
	}
	if !r.Type.Valid() {
		return NewValidationError("unrecognized order type: " + string(r.Type))
	}
	if r.Type == OrderTypeLimit && (r.Price == nil || !r.Price.IsPositive()) {
		return NewValidationError("limit order requires a positive price")
	}
	if r.Type == OrderTypeStop && (r.StopPrice == nil || !r.StopPrice.IsPositive()) {
		return NewValidationError("stop order requires a positive stop_price")
	}
	if r.Price != nil && !r.Price.IsPositive() {
		return NewValidationError("price must be greater than 0")
	}
	return nil
}

// Order 订单领域模型
type Order struct {
	ID             string           `json:"id"`
	OwnerID        string           `json:"owner_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Type           OrderType        `json:"type"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopPrice      *decimal.Decimal `json:"stop_price,omitempty"`
	Status         OrderStatus      `json:"status"`
	Reason         string           `json:"reason,omitempty"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   decimal.Decimal  `json:"avg_fill_price"`
	PositionID     string           `json:"position_id,omitempty"`
	Origin         OrderOrigin      `json:"origin"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	// FillApplied 成交是否已合并进仓位（按订单 ID 幂等）
	FillApplied bool       `json:"fill_applied"`
	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
}

// NewOrder 从请求构造订单（状态 received）
func NewOrder(id string, req *OrderRequest, now time.Time) *Order {
	origin := req.Origin
	if origin == "" {
		origin = OriginManual
	}
	return &Order{
		ID:         id,
		OwnerID:    req.OwnerID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Type:       req.Type,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Status:     OrderStatusReceived,
		PositionID: req.PositionID,
		Origin:     origin,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		CreatedAt:  now,
	}
}

// Key 订单所属的串行化键
func (o *Order) Key() SymbolKey {
	return SymbolKey{OwnerID: o.OwnerID, Symbol: o.Symbol}
}

// IsTerminal 订单是否处于最终状态
func (o *Order) IsTerminal() bool {
	return o != nil && o.Status.IsTerminal()
}

// IsAutoExit 是否为止损/止盈自动平仓单
func (o *Order) IsAutoExit() bool {
	return o.Origin == OriginStopLoss || o.Origin == OriginTakeProfit
}

// Clone 返回副本，避免调用方持有内部可变状态
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// ReferencePrice 风控用的参考价：限价优先，其次止损触发价
func (o *Order) ReferencePrice() (decimal.Decimal, bool) {
	if o.Price != nil && o.Price.IsPositive() {
		return *o.Price, true
	}
	if o.StopPrice != nil && o.StopPrice.IsPositive() {
		return *o.StopPrice, true
	}
	return decimal.Zero, false
}

// SymbolKey (owner, symbol) 串行化键
type SymbolKey struct {
	OwnerID string
	Symbol  string
}

func (k SymbolKey) String() string {
	return k.OwnerID + "|" + k.Symbol
}
