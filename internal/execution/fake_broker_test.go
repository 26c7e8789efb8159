package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/position"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/storage"
)

// fakeBroker 默认按 order.Price（市价单按 price）全部成交
type fakeBroker struct {
	connected atomic.Bool
	submits   atomic.Int64
	cancels   atomic.Int64

	mu       sync.Mutex
	price    decimal.Decimal
	statuses map[string]*domain.BrokerReport
	onSubmit func(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error)
}

func newFakeBroker() *fakeBroker {
	b := &fakeBroker{price: decimal.NewFromInt(100), statuses: make(map[string]*domain.BrokerReport)}
	b.connected.Store(true)
	return b
}

func (b *fakeBroker) Connect(context.Context, domain.Credentials) (*domain.ConnectionResult, error) {
	b.connected.Store(true)
	return &domain.ConnectionResult{Success: true, SessionID: "fake"}, nil
}

func (b *fakeBroker) IsConnected() bool { return b.connected.Load() }

func (b *fakeBroker) SetPrice(p int64) {
	b.mu.Lock()
	b.price = decimal.NewFromInt(p)
	b.mu.Unlock()
}

func (b *fakeBroker) SetStatus(r *domain.BrokerReport) {
	b.mu.Lock()
	b.statuses[r.OrderID] = r
	b.mu.Unlock()
}

func (b *fakeBroker) SetSubmit(fn func(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error)) {
	b.mu.Lock()
	b.onSubmit = fn
	b.mu.Unlock()
}

func (b *fakeBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error) {
	b.submits.Add(1)
	b.mu.Lock()
	fn := b.onSubmit
	price := b.price
	b.mu.Unlock()
	if fn != nil {
		return fn(ctx, order)
	}
	if order.Price != nil {
		price = *order.Price
	}
	return filled(order, price), nil
}

func (b *fakeBroker) CancelOrder(_ context.Context, orderID string) (bool, error) {
	b.cancels.Add(1)
	b.SetStatus(&domain.BrokerReport{OrderID: orderID, Status: domain.BrokerStatusCancelled})
	return true, nil
}

func (b *fakeBroker) GetOrderStatus(_ context.Context, orderID string) (*domain.BrokerReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.statuses[orderID]; ok {
		c := *r
		return &c, nil
	}
	return &domain.BrokerReport{OrderID: orderID, Status: domain.BrokerStatusUnknown}, nil
}

func filled(order *domain.Order, price decimal.Decimal) *domain.BrokerReport {
	return &domain.BrokerReport{
		Success:        true,
		OrderID:        order.ID,
		BrokerOrderID:  "b-" + order.ID,
		Status:         domain.BrokerStatusFilled,
		FilledQuantity: order.Quantity,
		FillPrice:      price,
	}
}

type testRig struct {
	agent     *Agent
	broker    *fakeBroker
	ledger    *risk.Ledger
	breaker   *risk.CircuitBreaker
	positions *position.Manager
	store     *storage.MemoryStore
}

func newRig(t *testing.T, cfg Config, limits risk.Limits) *testRig {
	t.Helper()
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	if cfg.BrokerTimeout == 0 {
		cfg.BrokerTimeout = time.Second
	}
	r := &testRig{
		broker:  newFakeBroker(),
		ledger:  risk.NewLedger(decimal.NewFromInt(100000), nil),
		breaker: risk.NewCircuitBreaker(risk.CircuitBreakerConfig{}),
		store:   storage.NewMemoryStore(),
	}
	r.positions = position.NewManager(r.store, r.ledger)
	agent, err := NewAgent(cfg, Deps{
		Broker:    r.broker,
		Risk:      risk.NewEngine(limits, r.ledger, r.breaker),
		Positions: r.positions,
		Orders:    r.store,
	})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	r.agent = agent
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = agent.Close(ctx)
	})
	return r
}

func marketBuy(id string, qty int64) *domain.OrderRequest {
	return &domain.OrderRequest{
		ID:       id,
		OwnerID:  "u1",
		Symbol:   "BTC",
		Side:     domain.SideBuy,
		Quantity: decimal.NewFromInt(qty),
		Type:     domain.OrderTypeMarket,
	}
}
