package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/ports"
)

var paperLog = logrus.WithField("component", "paper_broker")

// PaperConfig 纸交易参数
type PaperConfig struct {
	// Latency 模拟下单往返延迟
	Latency time.Duration
	// FillRatio 市价单成交比例 (0,1]；< 1 时产生部分成交
	FillRatio decimal.Decimal
}

type paperOrder struct {
	order  *domain.Order
	report domain.BrokerReport
}

// PaperBroker 纸交易券商：市价单按最新行情成交；限价单可成交则按限价成交，否则挂单，
// 之后由 OnPriceUpdate 撮合；止损单在触发价被触及时按触发价成交。
type PaperBroker struct {
	cfg    PaperConfig
	prices ports.PriceBook

	connected atomic.Bool
	seq       atomic.Int64

	mu     sync.Mutex
	orders map[string]*paperOrder
}

func NewPaperBroker(cfg PaperConfig, prices ports.PriceBook) *PaperBroker {
	if !cfg.FillRatio.IsPositive() || cfg.FillRatio.GreaterThan(decimal.NewFromInt(1)) {
		cfg.FillRatio = decimal.NewFromInt(1)
	}
	return &PaperBroker{cfg: cfg, prices: prices, orders: make(map[string]*paperOrder)}
}

func (b *PaperBroker) Connect(_ context.Context, creds domain.Credentials) (*domain.ConnectionResult, error) {
	started := time.Now()
	b.connected.Store(true)
	sid := fmt.Sprintf("paper_%d", time.Now().UnixNano())
	paperLog.Infof("📝 [纸交易] 已连接: account=%s session=%s", creds.AccountID, sid)
	return &domain.ConnectionResult{Success: true, SessionID: sid, Metadata: metadata(started)}, nil
}

func (b *PaperBroker) IsConnected() bool { return b.connected.Load() }

// Disconnect 测试/运维用
func (b *PaperBroker) Disconnect() { b.connected.Store(false) }

func (b *PaperBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error) {
	started := time.Now()
	if !b.connected.Load() {
		return nil, domain.NewNotConnected("paper broker not connected")
	}
	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, domain.NewBrokerTimeout("paper submit "+order.ID, ctx.Err())
		case <-timer.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if po, ok := b.orders[order.ID]; ok {
		// 同一客户端订单 ID 幂等
		r := po.report
		r.Metadata = metadata(started)
		return &r, nil
	}

	po := &paperOrder{
		order: order.Clone(),
		report: domain.BrokerReport{
			Success:       true,
			OrderID:       order.ID,
			BrokerOrderID: fmt.Sprintf("paper_%d", b.seq.Add(1)),
			Status:        domain.BrokerStatusPending,
		},
	}
	last, hasLast := b.lastPrice(order.Symbol)

	switch order.Type {
	case domain.OrderTypeMarket:
		if !hasLast {
			po.report.Success = false
			po.report.Status = domain.BrokerStatusRejected
			po.report.Message = "no market price for " + order.Symbol
		} else {
			b.fill(po, last, order.Quantity.Mul(b.cfg.FillRatio))
		}
	default:
		if hasLast {
			b.match(po, last)
		}
	}
	b.orders[order.ID] = po

	paperLog.Infof("📝 [纸交易] 下单: orderID=%s symbol=%s side=%s type=%s qty=%s status=%s",
		order.ID, order.Symbol, order.Side, order.Type, order.Quantity, po.report.Status)
	r := po.report
	r.Metadata = metadata(started)
	return &r, nil
}

// match 挂单撮合；调用方持有 b.mu
func (b *PaperBroker) match(po *paperOrder, last decimal.Decimal) {
	o := po.order
	switch o.Type {
	case domain.OrderTypeLimit:
		limit := *o.Price
		if (o.Side == domain.SideBuy && last.LessThanOrEqual(limit)) ||
			(o.Side == domain.SideSell && last.GreaterThanOrEqual(limit)) {
			b.fill(po, limit, o.Quantity)
		}
	case domain.OrderTypeStop:
		stop := *o.StopPrice
		if (o.Side == domain.SideBuy && last.GreaterThanOrEqual(stop)) ||
			(o.Side == domain.SideSell && last.LessThanOrEqual(stop)) {
			b.fill(po, stop, o.Quantity)
		}
	}
}

func (b *PaperBroker) fill(po *paperOrder, price, qty decimal.Decimal) {
	po.report.FillPrice = price
	po.report.FilledQuantity = qty
	if qty.LessThan(po.order.Quantity) {
		po.report.Status = domain.BrokerStatusPartiallyFilled
	} else {
		po.report.Status = domain.BrokerStatusFilled
	}
}

func (b *PaperBroker) lastPrice(symbol string) (decimal.Decimal, bool) {
	if b.prices == nil {
		return decimal.Zero, false
	}
	return b.prices.Last(symbol)
}

func (b *PaperBroker) CancelOrder(_ context.Context, orderID string) (bool, error) {
	if !b.connected.Load() {
		return false, domain.NewNotConnected("paper broker not connected")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok || po.report.Status != domain.BrokerStatusPending {
		return false, nil
	}
	po.report.Status = domain.BrokerStatusCancelled
	return true, nil
}

func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (*domain.BrokerReport, error) {
	started := time.Now()
	if !b.connected.Load() {
		return nil, domain.NewNotConnected("paper broker not connected")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	po, ok := b.orders[orderID]
	if !ok {
		return &domain.BrokerReport{OrderID: orderID, Status: domain.BrokerStatusUnknown, Metadata: metadata(started)}, nil
	}
	r := po.report
	r.Metadata = metadata(started)
	return &r, nil
}

// OnPriceUpdate 撮合挂单；成交结果由执行器通过 GetOrderStatus 对账获取
func (b *PaperBroker) OnPriceUpdate(_ context.Context, symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, po := range b.orders {
		if po.order.Symbol != symbol || po.report.Status != domain.BrokerStatusPending {
			continue
		}
		b.match(po, price)
		if po.report.Status != domain.BrokerStatusPending {
			paperLog.Infof("📝 [纸交易] 挂单成交: orderID=%s price=%s", po.order.ID, po.report.FillPrice)
		}
	}
}

// PendingOrderIDs 仍在挂单的订单（轮询对账用）
func (b *PaperBroker) PendingOrderIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, po := range b.orders {
		if po.report.Status == domain.BrokerStatusPending {
			ids = append(ids, id)
		}
	}
	return ids
}

var (
	_ ports.Broker             = (*PaperBroker)(nil)
	_ ports.PriceUpdateHandler = (*PaperBroker)(nil)
)
