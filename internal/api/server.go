package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/execution"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/internal/position"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/stats"
)

var apiLog = logrus.WithField("component", "api")

// OrderService 执行器对外能力（*execution.Agent 实现）
type OrderService interface {
	SubmitOrder(ctx context.Context, req *domain.OrderRequest) domain.Result[*domain.Order]
	GetOrderStatus(ctx context.Context, id string) domain.Result[*domain.Order]
	CancelOrder(ctx context.Context, id string) domain.Result[bool]
	ListOrders(ctx context.Context, ownerID, symbol string) ([]*domain.Order, error)
	HealthCheck(ctx context.Context) domain.Result[execution.Health]
	Stats() *stats.Collector
	Positions() *position.Manager
	Risk() *risk.Engine
}

// Server HTTP 接口；所有响应都是 Result 信封
type Server struct {
	orders OrderService
	prices ports.PriceUpdateHandler
	http   *http.Server
}

// New prices 为 nil 时 POST /api/prices 直接交给 orders（若其实现 PriceUpdateHandler）
func New(orders OrderService, prices ports.PriceUpdateHandler) *Server {
	if prices == nil {
		if h, ok := orders.(ports.PriceUpdateHandler); ok {
			prices = h
		}
	}
	return &Server{orders: orders, prices: prices}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")

	orders := api.Group("/orders")
	orders.POST("", s.handleSubmitOrder)
	orders.GET("", s.handleListOrders)
	orders.GET("/:id", s.handleGetOrder)
	orders.DELETE("/:id", s.handleCancelOrder)

	api.POST("/prices", s.handlePriceUpdate)
	api.GET("/stats", s.handleStats)
	api.GET("/positions/:owner", s.handlePositions)

	riskGroup := api.Group("/risk")
	riskGroup.GET("/:owner", s.handleRiskState)
	riskGroup.POST("/halt", s.handleHalt)
	riskGroup.POST("/resume", s.handleResume)

	return r
}

// Start 非阻塞监听；ctx 结束时优雅关闭
func (s *Server) Start(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.http = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiLog.Errorf("HTTP 服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	apiLog.Infof("🌐 HTTP 接口已启动: %s", ln.Addr())
	return ln.Addr(), nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		apiLog.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
			"status": c.Writer.Status(),
			"cost":   time.Since(started).String(),
		}).Debug("request")
	}
}

// statusFor 错误类型到 HTTP 状态码
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindOrderNotFound, domain.KindUnknownPosition:
		return http.StatusNotFound
	case domain.KindDuplicateInFlight:
		return http.StatusConflict
	case domain.KindRiskLimitExceeded, domain.KindCircuitOpen, domain.KindOverfill:
		return http.StatusUnprocessableEntity
	case domain.KindLockTimeout, domain.KindNotConnected:
		return http.StatusServiceUnavailable
	case domain.KindBrokerTimeout:
		return http.StatusGatewayTimeout
	case domain.KindBrokerError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeResult[T any](c *gin.Context, res domain.Result[T]) {
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(statusFor(res.Err()), res)
}

func (s *Server) handleSubmitOrder(c *gin.Context) {
	started := time.Now()
	var req domain.OrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeResult(c, domain.NewResult[*domain.Order](nil, domain.NewValidationError("invalid json: "+err.Error()), started))
		return
	}
	// 止损/止盈单只能由执行器自己产生
	req.Origin = domain.OriginManual
	writeResult(c, s.orders.SubmitOrder(c.Request.Context(), &req))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	writeResult(c, s.orders.GetOrderStatus(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	writeResult(c, s.orders.CancelOrder(c.Request.Context(), c.Param("id")))
}

func (s *Server) handleListOrders(c *gin.Context) {
	started := time.Now()
	list, err := s.orders.ListOrders(c.Request.Context(), c.Query("owner"), c.Query("symbol"))
	if err != nil {
		err = domain.NewInternal("list orders", err)
	}
	writeResult(c, domain.NewResult(list, err, started))
}

type priceUpdateRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *Server) handlePriceUpdate(c *gin.Context) {
	started := time.Now()
	var req priceUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeResult(c, domain.NewResult(false, domain.NewValidationError("invalid json: "+err.Error()), started))
		return
	}
	if strings.TrimSpace(req.Symbol) == "" || !req.Price.IsPositive() {
		writeResult(c, domain.NewResult(false, domain.NewValidationError("symbol and positive price are required"), started))
		return
	}
	if s.prices == nil {
		writeResult(c, domain.NewResult(false, domain.NewInternal("no price handler configured", nil), started))
		return
	}
	s.prices.OnPriceUpdate(c.Request.Context(), req.Symbol, req.Price)
	writeResult(c, domain.NewResult(true, nil, started))
}

func (s *Server) handleStats(c *gin.Context) {
	writeResult(c, domain.NewResult(s.orders.Stats().Snapshot(), nil, time.Now()))
}

func (s *Server) handlePositions(c *gin.Context) {
	started := time.Now()
	writeResult(c, domain.NewResult(s.orders.Positions().ListOpen(c.Param("owner")), nil, started))
}

type riskStateResponse struct {
	Ledger  risk.State        `json:"ledger"`
	Limits  risk.Limits       `json:"limits"`
	Breaker risk.BreakerState `json:"breaker"`
}

func (s *Server) handleRiskState(c *gin.Context) {
	started := time.Now()
	eng := s.orders.Risk()
	out := riskStateResponse{
		Ledger:  eng.Ledger().Snapshot(c.Param("owner")),
		Limits:  eng.Limits(),
		Breaker: eng.Breaker().State(),
	}
	writeResult(c, domain.NewResult(out, nil, started))
}

func (s *Server) handleHalt(c *gin.Context) {
	s.orders.Risk().Breaker().Halt()
	apiLog.Warnf("⛔ 通过 HTTP 接口暂停交易")
	writeResult(c, domain.NewResult(s.orders.Risk().Breaker().State(), nil, time.Now()))
}

func (s *Server) handleResume(c *gin.Context) {
	s.orders.Risk().Breaker().Resume()
	apiLog.Infof("✅ 通过 HTTP 接口恢复交易")
	writeResult(c, domain.NewResult(s.orders.Risk().Breaker().State(), nil, time.Now()))
}

func (s *Server) handleHealth(c *gin.Context) {
	res := s.orders.HealthCheck(c.Request.Context())
	if res.Success {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusServiceUnavailable, res)
}
