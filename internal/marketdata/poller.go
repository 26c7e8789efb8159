package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/pkg/syncgroup"
)

// PriceSource 拉取式行情源
type PriceSource interface {
	FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
}

// Poller 定时从 PriceSource 拉取行情并分发
type Poller struct {
	source   PriceSource
	handler  ports.PriceUpdateHandler
	symbols  []string
	interval time.Duration

	sg     *syncgroup.SyncGroup
	cancel context.CancelFunc
	polls  atomic.Int64
	errs   atomic.Int64
}

func NewPoller(source PriceSource, handler ports.PriceUpdateHandler, symbols []string, interval time.Duration) (*Poller, error) {
	if source == nil || handler == nil {
		return nil, fmt.Errorf("marketdata: poller needs a source and a handler")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		source:   source,
		handler:  handler,
		symbols:  symbols,
		interval: interval,
		sg:       syncgroup.NewSyncGroup(),
	}, nil
}

func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.sg.Go(func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			p.PollOnce(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	mdLog.Infof("⏱️ 行情轮询已启动: interval=%v symbols=%v", p.interval, p.symbols)
}

// PollOnce 拉取一次；失败只记录日志
func (p *Poller) PollOnce(ctx context.Context) {
	p.polls.Add(1)
	prices, err := p.source.FetchPrices(ctx, p.symbols)
	if err != nil {
		p.errs.Add(1)
		if ctx.Err() == nil {
			mdLog.Warnf("拉取行情失败: %v", err)
		}
		return
	}
	for _, sym := range p.symbols {
		if px, ok := prices[sym]; ok && px.IsPositive() {
			p.handler.OnPriceUpdate(ctx, sym, px)
		}
	}
}

func (p *Poller) Polls() int64 { return p.polls.Load() }

func (p *Poller) Errors() int64 { return p.errs.Load() }

func (p *Poller) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	p.sg.Wait()
}

// HTTPPriceSource 通过 GET {base}/prices?symbols=a,b 拉取行情，
// 响应为 {"BTC-USD":"64000.5", ...}
type HTTPPriceSource struct {
	client *resty.Client
}

func NewHTTPPriceSource(baseURL string, timeout time.Duration) *HTTPPriceSource {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json")
	return &HTTPPriceSource{client: c}
}

func (s *HTTPPriceSource) FetchPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&out).
		Get("/prices")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "fetch prices")
	}
	if resp.IsError() {
		return nil, pkgerrors.Errorf("fetch prices: HTTP %d", resp.StatusCode())
	}
	return out, nil
}
