package marketdata

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/pkg/cache"
)

// Quote 最新价及其时间
type Quote struct {
	Price decimal.Decimal `json:"price"`
	At    time.Time       `json:"at"`
}

// PriceBook 每个 symbol 的最新价；超过 TTL 未更新的价格视为不可用
type PriceBook struct {
	quotes *cache.InMemoryCache[string, Quote]
}

// NewPriceBook ttl <= 0 表示价格不过期
func NewPriceBook(ttl time.Duration) *PriceBook {
	cleanup := time.Minute
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}
	return &PriceBook{quotes: cache.NewInMemoryCache[string, Quote](ttl, cleanup)}
}

func (b *PriceBook) Update(symbol string, price decimal.Decimal, at time.Time) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	// 乱序到达的旧价格不覆盖新价格
	if cur, ok := b.quotes.Get(symbol); ok && at.Before(cur.At) {
		return
	}
	b.quotes.Set(symbol, Quote{Price: price, At: at}, 0)
}

func (b *PriceBook) Last(symbol string) (decimal.Decimal, bool) {
	q, ok := b.quotes.Get(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return q.Price, true
}

// Quote 带时间戳的最新价
func (b *PriceBook) Quote(symbol string) (Quote, bool) {
	return b.quotes.Get(symbol)
}

// Snapshot 全部未过期价格
func (b *PriceBook) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	for _, sym := range b.quotes.Keys() {
		if q, ok := b.quotes.Get(sym); ok {
			out[sym] = q
		}
	}
	return out
}

func (b *PriceBook) Close() { b.quotes.Close() }

var _ ports.PriceBook = (*PriceBook)(nil)
