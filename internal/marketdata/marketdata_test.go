package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type update struct {
	symbol string
	price  string
}

type recorder struct {
	mu      sync.Mutex
	updates []update
}

func (r *recorder) OnPriceUpdate(_ context.Context, symbol string, price decimal.Decimal) {
	r.mu.Lock()
	r.updates = append(r.updates, update{symbol, price.String()})
	r.mu.Unlock()
}

func (r *recorder) snapshot() []update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]update(nil), r.updates...)
}

func TestPriceBook_UpdateAndExpiry(t *testing.T) {
	book := NewPriceBook(50 * time.Millisecond)
	defer book.Close()
	now := time.Now()

	book.Update("BTC", decimal.NewFromInt(100), now)
	book.Update("BTC", decimal.NewFromInt(99), now.Add(-time.Second))
	book.Update("BTC", decimal.Zero, now.Add(time.Second))
	book.Update("", decimal.NewFromInt(1), now)

	px, ok := book.Last("BTC")
	require.True(t, ok)
	assert.True(t, px.Equal(decimal.NewFromInt(100)), "older or invalid ticks must not win, got %s", px)
	q, ok := book.Quote("BTC")
	require.True(t, ok)
	assert.True(t, q.At.Equal(now))
	assert.Len(t, book.Snapshot(), 1)

	require.Eventually(t, func() bool {
		_, ok := book.Last("BTC")
		return !ok
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, book.Snapshot())
}

func TestFanout_CallsInOrder(t *testing.T) {
	var order []string
	a := handlerFunc(func(string, decimal.Decimal) { order = append(order, "a") })
	b := handlerFunc(func(string, decimal.Decimal) { order = append(order, "b") })

	Fanout{a, nil, b}.OnPriceUpdate(context.Background(), "BTC", decimal.NewFromInt(1))
	assert.Equal(t, []string{"a", "b"}, order)
}

type handlerFunc func(symbol string, price decimal.Decimal)

func (f handlerFunc) OnPriceUpdate(_ context.Context, symbol string, price decimal.Decimal) {
	f(symbol, price)
}

func TestParseTicks(t *testing.T) {
	ticks, err := parseTicks([]byte(`{"symbol":"BTC","price":"64000.5"}`))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "64000.5", ticks[0].Price.String())

	ticks, err = parseTicks([]byte(` [{"symbol":"A","price":1},{"symbol":"B","price":"2"}]`))
	require.NoError(t, err)
	assert.Len(t, ticks, 2)

	_, err = parseTicks([]byte("not json"))
	assert.Error(t, err)
}

func clearProxyEnv(t *testing.T) {
	for _, k := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		t.Setenv(k, "")
	}
}

func TestWSFeed_ReceivesTicksAndReconnects(t *testing.T) {
	clearProxyEnv(t)

	var (
		conns     atomic.Int32
		pongs     atomic.Int32
		subscribe atomic.Value
	)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)

		var sub subscribeMessage
		if err := c.ReadJSON(&sub); err == nil {
			subscribe.Store(sub)
		}
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"symbol":"BTC","price":"100"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`[{"symbol":"ETH","price":"10"},{"symbol":"","price":"1"},{"symbol":"BTC","price":"0"}]`))
		_ = c.WriteMessage(websocket.TextMessage, []byte("garbage"))
		_ = c.WriteMessage(websocket.TextMessage, []byte("PING"))
		if _, msg, err := c.ReadMessage(); err == nil && string(msg) == "PONG" {
			pongs.Add(1)
		}
		if n == 1 {
			// 第一条连接主动断开，触发重连
			return
		}
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	feed, err := NewWSFeed(WSConfig{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols:        []string{"BTC", "ETH"},
		ReconnectDelay: 10 * time.Millisecond,
		PingInterval:   time.Minute,
	}, rec)
	require.NoError(t, err)
	require.NoError(t, feed.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 4 && pongs.Load() == 2
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, []update{{"BTC", "100"}, {"ETH", "10"}, {"BTC", "100"}, {"ETH", "10"}}, rec.snapshot())
	assert.Equal(t, int32(2), conns.Load())
	assert.GreaterOrEqual(t, feed.Reconnects(), int64(1))
	assert.Equal(t, int64(4), feed.Ticks())
	assert.Equal(t, []string{"BTC", "ETH"}, subscribe.Load().(subscribeMessage).Symbols)
	assert.True(t, feed.Connected())

	feed.Close()
	assert.False(t, feed.Connected())
}

func TestWSFeed_StartFailsWithoutServer(t *testing.T) {
	clearProxyEnv(t)
	_, err := NewWSFeed(WSConfig{}, &recorder{})
	assert.Error(t, err)
	_, err = NewWSFeed(WSConfig{URL: "ws://x"}, nil)
	assert.Error(t, err)

	feed, err := NewWSFeed(WSConfig{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: time.Second}, &recorder{})
	require.NoError(t, err)
	assert.Error(t, feed.Start(context.Background()))
	feed.Close()
}

type staticSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	asked  [][]string
}

func (s *staticSource) FetchPrices(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, symbols)
	return s.prices, s.err
}

func TestPoller_PollOnce(t *testing.T) {
	src := &staticSource{prices: map[string]decimal.Decimal{
		"BTC":   decimal.NewFromInt(100),
		"ETH":   decimal.Zero,
		"OTHER": decimal.NewFromInt(5),
	}}
	rec := &recorder{}
	p, err := NewPoller(src, rec, []string{"BTC", "ETH", "SOL"}, time.Minute)
	require.NoError(t, err)

	p.PollOnce(context.Background())
	assert.Equal(t, []update{{"BTC", "100"}}, rec.snapshot())

	src.err = errors.New("down")
	p.PollOnce(context.Background())
	assert.Equal(t, int64(2), p.Polls())
	assert.Equal(t, int64(1), p.Errors())
	assert.Len(t, rec.snapshot(), 1)

	_, err = NewPoller(nil, rec, nil, 0)
	assert.Error(t, err)
}

func TestPoller_StartAndClose(t *testing.T) {
	src := &staticSource{prices: map[string]decimal.Decimal{"BTC": decimal.NewFromInt(1)}}
	rec := &recorder{}
	p, err := NewPoller(src, rec, []string{"BTC"}, 10*time.Millisecond)
	require.NoError(t, err)

	p.Start(context.Background())
	require.Eventually(t, func() bool { return p.Polls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.Close()

	n := p.Polls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, p.Polls(), "no polls after Close")
}

func TestHTTPPriceSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/prices" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("symbols") == "FAIL" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "BTC,ETH", r.URL.Query().Get("symbols"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"BTC":"64000.5","ETH":"3000"}`))
	}))
	defer srv.Close()

	src := NewHTTPPriceSource(srv.URL+"/", time.Second)
	prices, err := src.FetchPrices(context.Background(), []string{"BTC", "ETH"})
	require.NoError(t, err)
	assert.Equal(t, "64000.5", prices["BTC"].String())
	assert.Equal(t, "3000", prices["ETH"].String())

	_, err = src.FetchPrices(context.Background(), []string{"FAIL"})
	assert.Error(t, err)
}
