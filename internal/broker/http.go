package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/pkg/ratelimit"
)

var httpLog = logrus.WithField("component", "http_broker")

// 限速分组
const (
	endpointSession     = "broker:session"
	endpointOrderPost   = "broker:order:post"
	endpointOrderDelete = "broker:order:delete"
	endpointOrderGet    = "broker:order:get"
)

// HTTPConfig REST 券商配置
type HTTPConfig struct {
	BaseURL string
	// Timeout 单次请求超时（执行器还会用 broker_timeout 再套一层 ctx）
	Timeout time.Duration
	// RateLimit 每秒请求数；<= 0 不限速
	RateLimit float64
	// StatusRetries 只读查询（订单状态）的重试次数；下单/撤单不重试
	StatusRetries int
	UserAgent     string
}

// HTTPBroker REST 券商适配器：
//
//	POST   /session        建立会话，返回 session_id（作为 Bearer token）
//	POST   /orders         下单
//	DELETE /orders/{id}    撤单
//	GET    /orders/{id}    查询订单
type HTTPBroker struct {
	write *resty.Client
	read  *resty.Client
	limit *ratelimit.Manager

	mu      sync.RWMutex
	session string
}

// wireOrder 下单请求体
type wireOrder struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	StopPrice     *decimal.Decimal `json:"stop_price,omitempty"`
	Account       string           `json:"account,omitempty"`
}

// wireReport 订单回报
type wireReport struct {
	OrderID        string          `json:"order_id"`
	BrokerOrderID  string          `json:"broker_order_id"`
	Status         string          `json:"status"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	Message        string          `json:"message"`
}

type wireSession struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type wireCancel struct {
	Cancelled bool `json:"cancelled"`
}

type wireError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPBroker(cfg HTTPConfig) *HTTPBroker {
	host := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "ordercore/1.0"
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	newClient := func() *resty.Client {
		return resty.New().
			SetBaseURL(host).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json").
			SetHeader("User-Agent", cfg.UserAgent)
	}

	// 下单/撤单不在内部重试：结果未知时交给对账流程
	write := newClient()

	read := newClient().
		SetRetryCount(cfg.StatusRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 429 限流时使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if ra := resp.Header().Get("Retry-After"); ra != "" {
					if d, err := time.ParseDuration(ra + "s"); err == nil {
						return d, nil
					}
				}
				return time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
		})

	var fallback ratelimit.RateLimiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		fallback = ratelimit.NewTokenBucket(burst, cfg.RateLimit)
	}
	limit := ratelimit.NewManager(fallback)
	// 会话接口单独限速，避免重连风暴占用下单配额
	limit.Set(endpointSession, ratelimit.NewSlidingWindow(5, 10*time.Second))

	return &HTTPBroker{write: write, read: read, limit: limit}
}

func (b *HTTPBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session != ""
}

func (b *HTTPBroker) token() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.session
}

// Connect 建立会话
func (b *HTTPBroker) Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectionResult, error) {
	started := time.Now()
	if err := b.limit.Wait(ctx, endpointSession); err != nil {
		return nil, domain.NewBrokerError("rate limit wait", err)
	}
	var out wireSession
	resp, err := b.write.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{
			"api_key":    creds.APIKey,
			"api_secret": creds.APISecret,
			"account_id": creds.AccountID,
		}).
		SetResult(&out).
		Post("/session")
	if err != nil {
		return nil, transportError("connect", err)
	}
	res := &domain.ConnectionResult{Metadata: metadata(started)}
	if !resp.IsSuccess() {
		res.Message = errorMessage(resp)
		httpLog.Warnf("会话建立失败: status=%d msg=%s", resp.StatusCode(), res.Message)
		if resp.StatusCode() >= 500 {
			return res, domain.NewBrokerError(fmt.Sprintf("connect: http %d: %s", resp.StatusCode(), res.Message), nil)
		}
		return res, nil
	}
	b.mu.Lock()
	b.session = out.SessionID
	b.mu.Unlock()
	res.Success = out.SessionID != ""
	res.SessionID = out.SessionID
	res.Message = out.Message
	httpLog.Infof("🔗 券商会话已建立: session=%s", maskToken(out.SessionID))
	return res, nil
}

// SubmitOrder 下单。4xx 作为拒单回报返回；5xx/传输错误返回 broker_error；超时返回 broker_timeout。
func (b *HTTPBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error) {
	started := time.Now()
	tok := b.token()
	if tok == "" {
		return nil, domain.NewNotConnected("no broker session")
	}
	if err := b.limit.Wait(ctx, endpointOrderPost); err != nil {
		return nil, domain.NewBrokerError("rate limit wait", err)
	}

	body := wireOrder{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Type:          string(order.Type),
		Quantity:      order.Quantity,
		Price:         order.Price,
		StopPrice:     order.StopPrice,
		Account:       order.OwnerID,
	}
	var out wireReport
	resp, err := b.write.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", order.ID).
		SetBody(body).
		SetResult(&out).
		Post("/orders")
	if err != nil {
		return nil, transportError("submit order "+order.ID, err)
	}
	return b.toReport(order.ID, resp, &out, started)
}

// CancelOrder 撤单；订单不存在或已终态返回 false
func (b *HTTPBroker) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	tok := b.token()
	if tok == "" {
		return false, domain.NewNotConnected("no broker session")
	}
	if err := b.limit.Wait(ctx, endpointOrderDelete); err != nil {
		return false, domain.NewBrokerError("rate limit wait", err)
	}
	var out wireCancel
	resp, err := b.write.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetPathParam("id", orderID).
		SetResult(&out).
		Delete("/orders/{id}")
	if err != nil {
		return false, transportError("cancel order "+orderID, err)
	}
	switch {
	case resp.IsSuccess():
		return out.Cancelled, nil
	case resp.StatusCode() == http.StatusUnauthorized:
		b.dropSession()
		return false, domain.NewNotConnected("session expired")
	case resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusConflict:
		return false, nil
	default:
		return false, domain.NewBrokerError(fmt.Sprintf("cancel order %s: http %d: %s", orderID, resp.StatusCode(), errorMessage(resp)), nil)
	}
}

// GetOrderStatus 查询订单；404 返回 unknown 状态（对账时视为未成交）
func (b *HTTPBroker) GetOrderStatus(ctx context.Context, orderID string) (*domain.BrokerReport, error) {
	started := time.Now()
	tok := b.token()
	if tok == "" {
		return nil, domain.NewNotConnected("no broker session")
	}
	if err := b.limit.Wait(ctx, endpointOrderGet); err != nil {
		return nil, domain.NewBrokerError("rate limit wait", err)
	}
	var out wireReport
	resp, err := b.read.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetPathParam("id", orderID).
		SetResult(&out).
		Get("/orders/{id}")
	if err != nil {
		return nil, transportError("get order "+orderID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return &domain.BrokerReport{
			OrderID:  orderID,
			Status:   domain.BrokerStatusUnknown,
			Message:  errorMessage(resp),
			Metadata: metadata(started),
		}, nil
	}
	return b.toReport(orderID, resp, &out, started)
}

func (b *HTTPBroker) toReport(orderID string, resp *resty.Response, out *wireReport, started time.Time) (*domain.BrokerReport, error) {
	code := resp.StatusCode()
	switch {
	case resp.IsSuccess():
		r := &domain.BrokerReport{
			Success:        true,
			OrderID:        orderID,
			BrokerOrderID:  out.BrokerOrderID,
			Status:         parseStatus(out.Status),
			FilledQuantity: out.FilledQuantity,
			FillPrice:      out.FillPrice,
			Message:        out.Message,
			Metadata:       metadata(started),
		}
		if r.Status == domain.BrokerStatusRejected {
			r.Success = false
		}
		return r, nil
	case code == http.StatusUnauthorized:
		b.dropSession()
		return nil, domain.NewNotConnected("session expired")
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests && code != http.StatusRequestTimeout:
		msg := errorMessage(resp)
		httpLog.Warnf("券商拒单: orderID=%s status=%d msg=%s", orderID, code, msg)
		return &domain.BrokerReport{
			OrderID:  orderID,
			Status:   domain.BrokerStatusRejected,
			Message:  msg,
			Metadata: metadata(started),
		}, nil
	default:
		return nil, domain.NewBrokerError(fmt.Sprintf("order %s: http %d: %s", orderID, code, errorMessage(resp)), nil)
	}
}

func (b *HTTPBroker) dropSession() {
	b.mu.Lock()
	b.session = ""
	b.mu.Unlock()
}

func parseStatus(s string) domain.BrokerStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled":
		return domain.BrokerStatusFilled
	case "partially_filled", "partial":
		return domain.BrokerStatusPartiallyFilled
	case "rejected":
		return domain.BrokerStatusRejected
	case "cancelled", "canceled":
		return domain.BrokerStatusCancelled
	case "pending", "new", "open", "accepted":
		return domain.BrokerStatusPending
	}
	return domain.BrokerStatusUnknown
}

// transportError 区分超时（结果未知）与其他传输错误
func transportError(op string, err error) error {
	wrapped := pkgerrors.Wrap(err, op)
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.NewBrokerTimeout(op, wrapped)
	}
	return domain.NewBrokerError(op, wrapped)
}

func errorMessage(resp *resty.Response) string {
	var we wireError
	if err := json.Unmarshal(resp.Body(), &we); err == nil {
		if we.Error != "" {
			return we.Error
		}
		if we.Message != "" {
			return we.Message
		}
	}
	return strings.TrimSpace(string(resp.Body()))
}

func metadata(started time.Time) domain.Metadata {
	now := time.Now()
	return domain.Metadata{Timestamp: now, Duration: now.Sub(started)}
}

func maskToken(s string) string {
	if len(s) <= 6 {
		return "***"
	}
	return s[:3] + "***" + s[len(s)-3:]
}

var _ ports.Broker = (*HTTPBroker)(nil)
