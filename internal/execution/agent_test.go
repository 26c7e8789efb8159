package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/storage"
)

var btc = domain.SymbolKey{OwnerID: "u1", Symbol: "BTC"}

func TestAgent_MarketOrderFills(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()

	res := r.agent.SubmitOrder(ctx, marketBuy("o1", 2))
	require.True(t, res.Success, "err=%v", res.Err())
	assert.Equal(t, domain.OrderStatusFilled, res.Data.Status)
	assert.Equal(t, "b-o1", res.Data.BrokerOrderID)
	assert.True(t, res.Data.FillApplied)
	assert.NotNil(t, res.Data.ClosedAt)

	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, pos.ID, res.Data.PositionID)

	st := r.agent.Stats().Snapshot()
	assert.Equal(t, int64(1), st.Submitted)
	assert.Equal(t, int64(1), st.Filled)
	assert.Equal(t, 1.0, st.FillRate)

	saved, err := r.store.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, saved.Status)
}

func TestAgent_ValidationFailsBeforeAnything(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	req := marketBuy("bad", 0)

	res := r.agent.SubmitOrder(context.Background(), req)
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), domain.ErrValidation))
	assert.Equal(t, domain.KindValidation, res.Error.Kind)
	assert.Equal(t, int64(0), r.broker.submits.Load())
	assert.Equal(t, int64(0), r.agent.Stats().Snapshot().Submitted)
	assert.Equal(t, 0, r.agent.locks.Len())
}

func TestAgent_RiskRejectionHasNoSideEffects(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{MaxTradesPerDay: 1})
	ctx := context.Background()
	r.ledger.RecordFill("u1", "earlier", decimal.Zero)

	res := r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.False(t, res.Success)
	var rl *domain.RiskLimitError
	require.True(t, errors.As(res.Err(), &rl))
	assert.Equal(t, domain.RuleMaxTradesPerDay, rl.Rule)
	assert.Equal(t, domain.RuleMaxTradesPerDay, res.Error.Rule)

	assert.Equal(t, domain.OrderStatusRejected, res.Data.Status)
	assert.Equal(t, domain.RuleMaxTradesPerDay, res.Data.Reason)
	assert.Equal(t, int64(0), r.broker.submits.Load())
	_, ok := r.positions.OpenPosition(btc)
	assert.False(t, ok)
	assert.Equal(t, 1, r.ledger.Snapshot("u1").TradeCount)
	assert.Equal(t, int64(1), r.agent.Stats().Snapshot().Rejected)
}

func TestAgent_NotConnected(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	r.broker.connected.Store(false)

	res := r.agent.SubmitOrder(context.Background(), marketBuy("o1", 1))
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), domain.ErrNotConnected))
	assert.Equal(t, domain.OrderStatusFailed, res.Data.Status)
	assert.Equal(t, domain.ReasonNotConnected, res.Data.Reason)
	assert.Equal(t, int64(0), r.broker.submits.Load())

	h := r.agent.HealthCheck(context.Background())
	assert.False(t, h.Success)
	assert.False(t, h.Data.BrokerConnected)

	// 连接恢复后同一 ID 可重试
	r.broker.connected.Store(true)
	res = r.agent.SubmitOrder(context.Background(), marketBuy("o1", 1))
	require.True(t, res.Success, "err=%v", res.Err())
	assert.Equal(t, domain.OrderStatusFilled, res.Data.Status)
	assert.True(t, r.agent.HealthCheck(context.Background()).Success)
}

func TestAgent_SameKeyIsSerialized(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	var inside, maxInside atomic.Int32
	r.broker.SetSubmit(func(_ context.Context, o *domain.Order) (*domain.BrokerReport, error) {
		n := inside.Add(1)
		for {
			cur := maxInside.Load()
			if n <= cur || maxInside.CompareAndSwap(cur, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inside.Add(-1)
		return filled(o, decimal.NewFromInt(100)), nil
	})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := r.agent.SubmitOrder(context.Background(), marketBuy(fmt.Sprintf("o-%d", i), 1))
			if !res.Success {
				t.Errorf("submit %d: %v", i, res.Err())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(n)))
	assert.Equal(t, n, r.ledger.Snapshot("u1").TradeCount)
	assert.Equal(t, 0, r.agent.locks.Len())
}

func TestAgent_IdempotentResubmit(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()

	first := r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.True(t, first.Success)
	again := r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.True(t, again.Success)
	assert.Equal(t, first.Data.PositionID, again.Data.PositionID)
	assert.Equal(t, int64(1), r.broker.submits.Load())
	assert.Equal(t, 1, r.ledger.Snapshot("u1").TradeCount)
}

func TestAgent_DuplicateInFlight(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	release := make(chan struct{})
	entered := make(chan struct{})
	r.broker.SetSubmit(func(_ context.Context, o *domain.Order) (*domain.BrokerReport, error) {
		close(entered)
		<-release
		return filled(o, decimal.NewFromInt(100)), nil
	})

	done := make(chan domain.Result[*domain.Order])
	go func() { done <- r.agent.SubmitOrder(context.Background(), marketBuy("o1", 1)) }()
	<-entered

	dup := r.agent.SubmitOrder(context.Background(), marketBuy("o1", 1))
	assert.True(t, errors.Is(dup.Err(), domain.ErrDuplicateInFlight), "got %v", dup.Err())

	close(release)
	res := <-done
	require.True(t, res.Success)
	assert.Equal(t, int64(1), r.broker.submits.Load())
}

func TestAgent_BrokerTimeoutThenReconcileFillsOnce(t *testing.T) {
	r := newRig(t, Config{BrokerTimeout: 30 * time.Millisecond}, risk.Limits{})
	ctx := context.Background()
	r.broker.SetSubmit(func(ctx context.Context, _ *domain.Order) (*domain.BrokerReport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	res := r.agent.SubmitOrder(ctx, marketBuy("o1", 3))
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), domain.ErrBrokerTimeout), "got %v", res.Err())
	assert.Equal(t, domain.OrderStatusAwaitingReconciliation, res.Data.Status)
	_, ok := r.positions.OpenPosition(btc)
	assert.False(t, ok, "timed out order must not touch positions")
	assert.Equal(t, int64(1), r.breaker.State().ConsecutiveErrors)
	assert.Equal(t, 1, r.agent.HealthCheck(ctx).Data.Awaiting)
	select {
	case <-r.agent.ReconcileSignal():
	default:
		t.Fatalf("timeout should signal the reconcile loop")
	}

	// 券商其实已成交
	r.broker.SetStatus(&domain.BrokerReport{
		OrderID:        "o1",
		Status:         domain.BrokerStatusFilled,
		FilledQuantity: decimal.NewFromInt(3),
		FillPrice:      decimal.NewFromInt(101),
	})
	st := r.agent.GetOrderStatus(ctx, "o1")
	require.True(t, st.Success, "err=%v", st.Err())
	assert.Equal(t, domain.OrderStatusFilled, st.Data.Status)

	for i := 0; i < 3; i++ {
		st = r.agent.GetOrderStatus(ctx, "o1")
		require.True(t, st.Success)
		res = r.agent.SubmitOrder(ctx, marketBuy("o1", 3))
		require.True(t, res.Success)
	}

	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(3)))
	assert.True(t, pos.AvgEntryPrice.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, 1, r.ledger.Snapshot("u1").TradeCount)
	assert.Equal(t, int64(1), r.broker.submits.Load())
}

func TestAgent_BrokerTimeoutNotFilledBecomesRetryable(t *testing.T) {
	r := newRig(t, Config{BrokerTimeout: 30 * time.Millisecond}, risk.Limits{})
	ctx := context.Background()
	r.broker.SetSubmit(func(ctx context.Context, _ *domain.Order) (*domain.BrokerReport, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	res := r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.Equal(t, domain.OrderStatusAwaitingReconciliation, res.Data.Status)

	st := r.agent.GetOrderStatus(ctx, "o1")
	require.False(t, st.Success)
	assert.Equal(t, domain.OrderStatusFailed, st.Data.Status)
	assert.Equal(t, domain.ReasonBrokerTimeout, st.Data.Reason)

	r.broker.SetSubmit(nil)
	res = r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.True(t, res.Success, "err=%v", res.Err())
	assert.Equal(t, domain.OrderStatusFilled, res.Data.Status)
	assert.Equal(t, int64(2), r.broker.submits.Load())
}

func TestAgent_BrokerErrorsTripBreaker(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	r.breaker.SetConfig(risk.CircuitBreakerConfig{MaxConsecutiveErrors: 2})
	r.broker.SetSubmit(func(context.Context, *domain.Order) (*domain.BrokerReport, error) {
		return nil, errors.New("502 bad gateway")
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res := r.agent.SubmitOrder(ctx, marketBuy(fmt.Sprintf("o%d", i), 1))
		require.True(t, errors.Is(res.Err(), domain.ErrBrokerError), "got %v", res.Err())
		assert.Equal(t, domain.ReasonBrokerError, res.Data.Reason)
	}
	res := r.agent.SubmitOrder(ctx, marketBuy("o3", 1))
	assert.True(t, errors.Is(res.Err(), domain.ErrCircuitOpen), "got %v", res.Err())
	assert.Equal(t, domain.ReasonCircuitOpen, res.Data.Reason)
	assert.Equal(t, int64(2), r.broker.submits.Load())
	assert.False(t, r.agent.HealthCheck(ctx).Success)
}

func TestAgent_PendingOrderCancelAndReconcile(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()
	r.broker.SetSubmit(func(_ context.Context, o *domain.Order) (*domain.BrokerReport, error) {
		return &domain.BrokerReport{Success: true, OrderID: o.ID, Status: domain.BrokerStatusPending}, nil
	})

	limit := marketBuy("l1", 1)
	limit.Type = domain.OrderTypeLimit
	px := decimal.NewFromInt(90)
	limit.Price = &px
	res := r.agent.SubmitOrder(ctx, limit)
	require.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusSubmitted, res.Data.Status)

	cres := r.agent.CancelOrder(ctx, "l1")
	require.True(t, cres.Success)
	assert.True(t, cres.Data)
	st := r.agent.GetOrderStatus(ctx, "l1")
	assert.Equal(t, domain.OrderStatusCancelled, st.Data.Status)

	cres = r.agent.CancelOrder(ctx, "l1")
	require.True(t, cres.Success)
	assert.False(t, cres.Data)

	missing := r.agent.CancelOrder(ctx, "nope")
	assert.True(t, errors.Is(missing.Err(), domain.ErrOrderNotFound))

	// 挂单在后台对账时成交
	limit2 := marketBuy("l2", 1)
	limit2.Type = domain.OrderTypeLimit
	limit2.Price = &px
	require.True(t, r.agent.SubmitOrder(ctx, limit2).Success)
	r.broker.SetStatus(&domain.BrokerReport{
		OrderID:        "l2",
		Status:         domain.BrokerStatusFilled,
		FilledQuantity: decimal.NewFromInt(1),
		FillPrice:      px,
	})
	assert.Equal(t, 1, r.agent.ReconcilePending(ctx))
	assert.Equal(t, 0, r.agent.ReconcilePending(ctx))
	st = r.agent.GetOrderStatus(ctx, "l2")
	assert.Equal(t, domain.OrderStatusFilled, st.Data.Status)
	assert.Equal(t, int64(1), r.agent.Stats().Snapshot().Cancelled)
}

func TestAgent_StopLossAutoExit(t *testing.T) {
	r := newRig(t, Config{AutoExit: true}, risk.Limits{MaxTradesPerDay: 1})
	ctx := context.Background()

	open := marketBuy("o1", 2)
	sl := decimal.NewFromInt(95)
	open.StopLoss = &sl
	res := r.agent.SubmitOrder(ctx, open)
	require.True(t, res.Success, "err=%v", res.Err())

	// 96 不触发
	r.agent.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(96))
	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.False(t, pos.ExitPending)
	assert.True(t, pos.UnrealizedPnL.Equal(decimal.NewFromInt(-8)))

	// 94 触发止损；平仓单绕过交易次数上限
	r.broker.SetPrice(94)
	r.agent.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(94))
	r.agent.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(93))

	require.Eventually(t, func() bool {
		_, open := r.positions.OpenPosition(btc)
		return !open && r.agent.PendingExits() == 0
	}, 2*time.Second, 5*time.Millisecond)

	closed, ok := r.positions.Get(res.Data.PositionID)
	require.True(t, ok)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.True(t, closed.RealizedPnL.Equal(decimal.NewFromInt(-12)), "realized=%s", closed.RealizedPnL)
	assert.Equal(t, int64(2), r.broker.submits.Load(), "exactly one exit order")

	orders, err := r.agent.ListOrders(ctx, "u1", "BTC")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	var exit *domain.Order
	for _, o := range orders {
		if o.ID != "o1" {
			exit = o
		}
	}
	require.NotNil(t, exit)
	assert.Equal(t, domain.OriginStopLoss, exit.Origin)
	assert.Equal(t, domain.SideSell, exit.Side)
	assert.Equal(t, domain.OrderStatusFilled, exit.Status)
}

func TestAgent_FailedExitClearsPendingFlag(t *testing.T) {
	r := newRig(t, Config{AutoExit: true}, risk.Limits{})
	ctx := context.Background()

	open := marketBuy("o1", 1)
	tp := decimal.NewFromInt(110)
	open.TakeProfit = &tp
	require.True(t, r.agent.SubmitOrder(ctx, open).Success)

	r.broker.SetSubmit(func(context.Context, *domain.Order) (*domain.BrokerReport, error) {
		return nil, domain.NewBrokerError("exchange down", nil)
	})
	r.agent.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(111))

	require.Eventually(t, func() bool {
		return r.agent.PendingExits() == 0 && r.broker.submits.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.False(t, pos.ExitPending, "failed exit must allow a new trigger")

	r.broker.SetSubmit(nil)
	r.broker.SetPrice(112)
	r.agent.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(112))
	require.Eventually(t, func() bool {
		_, open := r.positions.OpenPosition(btc)
		return !open
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAgent_CloseRejectsNewOrders(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	require.NoError(t, r.agent.Close(context.Background()))
	res := r.agent.SubmitOrder(context.Background(), marketBuy("o1", 1))
	assert.True(t, errors.Is(res.Err(), ErrAgentClosed))
	assert.False(t, r.agent.HealthCheck(context.Background()).Success)
}

type failingOrders struct {
	*storage.MemoryStore
}

func (failingOrders) SaveOrder(context.Context, *domain.Order) error {
	return errors.New("disk full")
}

func TestAgent_RepositoryErrorsSurfaceInHealth(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	agent, err := NewAgent(Config{LockTimeout: time.Second, BrokerTimeout: time.Second}, Deps{
		Broker:    r.broker,
		Risk:      risk.NewEngine(risk.Limits{}, r.ledger, r.breaker),
		Positions: r.positions,
		Orders:    failingOrders{r.store},
	})
	require.NoError(t, err)
	defer func() { _ = agent.Close(context.Background()) }()

	res := agent.SubmitOrder(context.Background(), marketBuy("o1", 1))
	require.True(t, res.Success, "persistence failures do not fail the order")

	h := agent.HealthCheck(context.Background())
	assert.Greater(t, h.Data.RepoErrors, int64(0))
	assert.Equal(t, "disk full", h.Data.LastRepoError)
}

func TestAgent_OversizedReduceRejectedBeforeBroker(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()
	require.True(t, r.agent.SubmitOrder(ctx, marketBuy("o1", 10)).Success)
	require.Equal(t, int64(1), r.broker.submits.Load())

	sell := marketBuy("o2", 20)
	sell.Side = domain.SideSell
	res := r.agent.SubmitOrder(ctx, sell)
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err(), domain.ErrOverfill), "got %v", res.Err())
	assert.Equal(t, domain.OrderStatusRejected, res.Data.Status)
	assert.Equal(t, domain.ReasonOverfill, res.Data.Reason)
	assert.Equal(t, int64(1), r.broker.submits.Load(), "broker must not see the oversized order")

	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.Equal(t, domain.PositionLong, pos.Side)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(10)))

	// 等量反向单照常平仓
	sell = marketBuy("o3", 10)
	sell.Side = domain.SideSell
	require.True(t, r.agent.SubmitOrder(ctx, sell).Success)
	_, ok = r.positions.OpenPosition(btc)
	assert.False(t, ok)
}

func TestAgent_OwnerLimitsHoldAcrossConcurrentSymbols(t *testing.T) {
	cases := map[string]struct {
		limits  risk.Limits
		symbols []string
		allowed int
		rule    string
	}{
		"open positions": {risk.Limits{MaxOpenPositions: 1}, []string{"A", "B", "C", "D"}, 1, domain.RuleMaxOpenPositions},
		"trades per day": {risk.Limits{MaxTradesPerDay: 2}, []string{"A", "B", "C", "D", "E"}, 2, domain.RuleMaxTradesPerDay},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			r := newRig(t, Config{}, c.limits)
			r.broker.SetSubmit(func(_ context.Context, o *domain.Order) (*domain.BrokerReport, error) {
				time.Sleep(50 * time.Millisecond)
				return filled(o, decimal.NewFromInt(100)), nil
			})

			var (
				wg       sync.WaitGroup
				ok       atomic.Int32
				rejected atomic.Int32
			)
			for _, sym := range c.symbols {
				wg.Add(1)
				go func(sym string) {
					defer wg.Done()
					req := marketBuy("o-"+sym, 1)
					req.Symbol = sym
					res := r.agent.SubmitOrder(context.Background(), req)
					if res.Success {
						ok.Add(1)
						return
					}
					var rl *domain.RiskLimitError
					if errors.As(res.Err(), &rl) && rl.Rule == c.rule {
						rejected.Add(1)
					}
				}(sym)
			}
			wg.Wait()

			assert.Equal(t, int32(c.allowed), ok.Load())
			assert.Equal(t, int32(len(c.symbols)-c.allowed), rejected.Load())
			assert.Equal(t, int64(c.allowed), r.broker.submits.Load())
			assert.Len(t, r.positions.ListOpen("u1"), c.allowed)
			st := r.ledger.Snapshot("u1")
			assert.Equal(t, c.allowed, st.TradeCount)
			assert.Equal(t, 0, st.PendingOrders)
		})
	}
}

func TestAgent_RecoverReconcilesOrdersFromBeforeRestart(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()
	created := time.Now().Add(-time.Minute)
	require.NoError(t, r.store.SaveOrder(ctx, &domain.Order{
		ID:        "a1",
		OwnerID:   "u1",
		Symbol:    "BTC",
		Side:      domain.SideBuy,
		Type:      domain.OrderTypeMarket,
		Quantity:  decimal.NewFromInt(2),
		Status:    domain.OrderStatusAwaitingReconciliation,
		Reason:    domain.ReasonBrokerTimeout,
		CreatedAt: created,
	}))
	require.NoError(t, r.store.SaveOrder(ctx, &domain.Order{
		ID:        "f1",
		OwnerID:   "u1",
		Symbol:    "ETH",
		Side:      domain.SideBuy,
		Type:      domain.OrderTypeMarket,
		Quantity:  decimal.NewFromInt(1),
		Status:    domain.OrderStatusFilled,
		CreatedAt: created,
	}))
	r.broker.SetStatus(&domain.BrokerReport{
		OrderID:        "a1",
		Status:         domain.BrokerStatusFilled,
		FilledQuantity: decimal.NewFromInt(2),
		FillPrice:      decimal.NewFromInt(100),
	})

	assert.Equal(t, 1, r.agent.ReconcilePending(ctx))
	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	stored, err := r.store.GetOrder(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, stored.Status)
	assert.True(t, stored.FillApplied)
	st := r.ledger.Snapshot("u1")
	assert.Equal(t, 1, st.TradeCount)
	assert.Equal(t, 0, st.PendingOrders)

	assert.Equal(t, 0, r.agent.ReconcilePending(ctx), "fill is applied once")

	// 已成交的历史订单按 ID 重放，不再发往券商
	res := r.agent.SubmitOrder(ctx, &domain.OrderRequest{
		ID: "f1", OwnerID: "u1", Symbol: "ETH", Side: domain.SideBuy,
		Type: domain.OrderTypeMarket, Quantity: decimal.NewFromInt(1),
	})
	require.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusFilled, res.Data.Status)
	assert.Equal(t, int64(0), r.broker.submits.Load())
}

func TestAgent_PruneKeepsReplayByID(t *testing.T) {
	r := newRig(t, Config{Retention: time.Minute}, risk.Limits{})
	ctx := context.Background()
	require.True(t, r.agent.SubmitOrder(ctx, marketBuy("o1", 1)).Success)
	sell := marketBuy("o2", 1)
	sell.Side = domain.SideSell
	closed := r.agent.SubmitOrder(ctx, sell)
	require.True(t, closed.Success)
	positionID := closed.Data.PositionID

	assert.Equal(t, 0, r.agent.Prune(time.Now()), "inside retention")
	assert.Equal(t, 2, r.agent.Prune(time.Now().Add(2*time.Minute)))
	r.agent.mu.RLock()
	assert.Empty(t, r.agent.orders)
	r.agent.mu.RUnlock()
	_, ok := r.positions.Get(positionID)
	assert.False(t, ok, "closed position dropped from memory")

	res := r.agent.SubmitOrder(ctx, marketBuy("o1", 1))
	require.True(t, res.Success)
	assert.Equal(t, domain.OrderStatusFilled, res.Data.Status)
	assert.Equal(t, int64(2), r.broker.submits.Load())
}

func TestAgent_CancelAppliesPartialFillFirst(t *testing.T) {
	r := newRig(t, Config{}, risk.Limits{})
	ctx := context.Background()
	r.broker.SetSubmit(func(_ context.Context, o *domain.Order) (*domain.BrokerReport, error) {
		return &domain.BrokerReport{Success: true, OrderID: o.ID, Status: domain.BrokerStatusPending}, nil
	})
	limit := marketBuy("l1", 4)
	limit.Type = domain.OrderTypeLimit
	px := decimal.NewFromInt(90)
	limit.Price = &px
	require.True(t, r.agent.SubmitOrder(ctx, limit).Success)

	r.broker.SetStatus(&domain.BrokerReport{
		OrderID:        "l1",
		Status:         domain.BrokerStatusPartiallyFilled,
		FilledQuantity: decimal.NewFromInt(1),
		FillPrice:      px,
	})
	res := r.agent.CancelOrder(ctx, "l1")
	require.True(t, res.Success)
	assert.True(t, res.Data)
	assert.Equal(t, int64(1), r.broker.cancels.Load())

	st := r.agent.GetOrderStatus(ctx, "l1")
	assert.Equal(t, domain.OrderStatusPartiallyFilled, st.Data.Status)
	assert.True(t, st.Data.FilledQuantity.Equal(decimal.NewFromInt(1)))
	pos, ok := r.positions.OpenPosition(btc)
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))

	// 券商已全部成交：合并成交，不再撤单
	limit2 := marketBuy("l2", 2)
	limit2.Type = domain.OrderTypeLimit
	limit2.Price = &px
	require.True(t, r.agent.SubmitOrder(ctx, limit2).Success)
	r.broker.SetStatus(&domain.BrokerReport{
		OrderID:        "l2",
		Status:         domain.BrokerStatusFilled,
		FilledQuantity: decimal.NewFromInt(2),
		FillPrice:      px,
	})
	res = r.agent.CancelOrder(ctx, "l2")
	require.True(t, res.Success)
	assert.False(t, res.Data)
	assert.Equal(t, int64(1), r.broker.cancels.Load())
	pos, _ = r.positions.OpenPosition(btc)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(3)))
}
