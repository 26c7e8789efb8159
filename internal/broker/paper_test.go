package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/marketdata"
)

func paperOrderOf(id string, typ domain.OrderType, side domain.Side, qty int64) *domain.Order {
	return &domain.Order{
		ID:       id,
		OwnerID:  "u1",
		Symbol:   "BTC",
		Side:     side,
		Type:     typ,
		Quantity: decimal.NewFromInt(qty),
	}
}

func newPaper(t *testing.T, cfg PaperConfig) (*PaperBroker, *marketdata.PriceBook) {
	t.Helper()
	book := marketdata.NewPriceBook(0)
	t.Cleanup(book.Close)
	b := NewPaperBroker(cfg, book)
	_, err := b.Connect(context.Background(), domain.Credentials{AccountID: "paper"})
	require.NoError(t, err)
	return b, book
}

func TestPaperBroker_MarketOrder(t *testing.T) {
	ctx := context.Background()
	b, book := newPaper(t, PaperConfig{})

	r, err := b.SubmitOrder(ctx, paperOrderOf("m0", domain.OrderTypeMarket, domain.SideBuy, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusRejected, r.Status, "no price yet")

	book.Update("BTC", decimal.NewFromInt(100), time.Now())
	r, err = b.SubmitOrder(ctx, paperOrderOf("m1", domain.OrderTypeMarket, domain.SideBuy, 2))
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusFilled, r.Status)
	assert.True(t, r.FillPrice.Equal(decimal.NewFromInt(100)))
	assert.True(t, r.FilledQuantity.Equal(decimal.NewFromInt(2)))
	assert.NotEmpty(t, r.BrokerOrderID)

	// 同一订单 ID 幂等
	again, err := b.SubmitOrder(ctx, paperOrderOf("m1", domain.OrderTypeMarket, domain.SideBuy, 2))
	require.NoError(t, err)
	assert.Equal(t, r.BrokerOrderID, again.BrokerOrderID)
}

func TestPaperBroker_PartialFillRatio(t *testing.T) {
	b, book := newPaper(t, PaperConfig{FillRatio: decimal.RequireFromString("0.5")})
	book.Update("BTC", decimal.NewFromInt(100), time.Now())

	r, err := b.SubmitOrder(context.Background(), paperOrderOf("m1", domain.OrderTypeMarket, domain.SideSell, 4))
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusPartiallyFilled, r.Status)
	assert.True(t, r.FilledQuantity.Equal(decimal.NewFromInt(2)))
}

func TestPaperBroker_RestingLimitAndStop(t *testing.T) {
	ctx := context.Background()
	b, book := newPaper(t, PaperConfig{})
	book.Update("BTC", decimal.NewFromInt(100), time.Now())

	limit := paperOrderOf("l1", domain.OrderTypeLimit, domain.SideBuy, 1)
	px := decimal.NewFromInt(95)
	limit.Price = &px
	r, err := b.SubmitOrder(ctx, limit)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusPending, r.Status)

	stop := paperOrderOf("s1", domain.OrderTypeStop, domain.SideSell, 1)
	sp := decimal.NewFromInt(90)
	stop.StopPrice = &sp
	r, err = b.SubmitOrder(ctx, stop)
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusPending, r.Status)
	assert.ElementsMatch(t, []string{"l1", "s1"}, b.PendingOrderIDs())

	b.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(94))
	st, err := b.GetOrderStatus(ctx, "l1")
	require.NoError(t, err)
	assert.Equal(t, domain.BrokerStatusFilled, st.Status)
	assert.True(t, st.FillPrice.Equal(px), "limit fills at the limit price")

	st, _ = b.GetOrderStatus(ctx, "s1")
	assert.Equal(t, domain.BrokerStatusPending, st.Status)

	ok, err := b.CancelOrder(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.CancelOrder(ctx, "l1")
	require.NoError(t, err)
	assert.False(t, ok, "filled orders cannot be cancelled")

	b.OnPriceUpdate(ctx, "BTC", decimal.NewFromInt(80))
	st, _ = b.GetOrderStatus(ctx, "s1")
	assert.Equal(t, domain.BrokerStatusCancelled, st.Status)

	st, _ = b.GetOrderStatus(ctx, "unknown")
	assert.Equal(t, domain.BrokerStatusUnknown, st.Status)
}

func TestPaperBroker_DisconnectedAndLatency(t *testing.T) {
	b, book := newPaper(t, PaperConfig{Latency: 200 * time.Millisecond})
	book.Update("BTC", decimal.NewFromInt(100), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := b.SubmitOrder(ctx, paperOrderOf("m1", domain.OrderTypeMarket, domain.SideBuy, 1))
	assert.True(t, errors.Is(err, domain.ErrBrokerTimeout), "got %v", err)

	b.Disconnect()
	assert.False(t, b.IsConnected())
	_, err = b.SubmitOrder(context.Background(), paperOrderOf("m2", domain.OrderTypeMarket, domain.SideBuy, 1))
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
	_, err = b.GetOrderStatus(context.Background(), "m2")
	assert.True(t, errors.Is(err, domain.ErrNotConnected))
}
