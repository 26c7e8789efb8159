package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/internal/position"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/stats"
	"github.com/betbot/ordercore/pkg/sigchan"
)

var agentLog = logrus.WithField("component", "order_agent")

// ErrAgentClosed 关闭后不再接受新订单
var ErrAgentClosed = errors.New("order agent closed")

// Config 执行器配置
type Config struct {
	// LockTimeout 获取 (owner, symbol) 租约的最长等待
	LockTimeout time.Duration
	// BrokerTimeout 单次券商调用的最长等待；超时订单进入 awaiting_reconciliation
	BrokerTimeout time.Duration
	LockShards    int
	// AutoExit 是否在触发止损/止盈时自动提交平仓单
	AutoExit bool
	// Retention 终态订单在内存中保留的时长，之后只留在持久化中；
	// 无持久化时不清理
	Retention time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.BrokerTimeout <= 0 {
		c.BrokerTimeout = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
}

// Deps 执行器依赖；Orders/Prices 可为 nil
type Deps struct {
	Broker    ports.Broker
	Risk      *risk.Engine
	Positions *position.Manager
	Stats     *stats.Collector
	Orders    ports.OrderRepository
	Prices    ports.PriceBook
}

// orderEntry 订单簿中的一项；order 只在持有对应租约时被替换
type orderEntry struct {
	order *domain.Order
	// err 最近一次执行返回给调用方的错误（幂等重放用）
	err error
	// inFlight 提交流程尚未返回
	inFlight bool
	received time.Time
}

// Agent 订单执行器：校验 → 租约 → 风控 → 券商 → 仓位 → 统计 → 释放租约。
//
// 每个请求在调用方 goroutine 中执行；同一 (owner, symbol) 的副作用按租约获取顺序全序。
// 自动平仓采用"先释放再重新提交"：触发后在独立 goroutine 中以新租约提交平仓单，
// 依赖仓位上的 ExitPending 标记防止重复平仓。
type Agent struct {
	cfg Config

	locks     *SymbolMutex
	broker    ports.Broker
	risk      *risk.Engine
	positions *position.Manager
	stats     *stats.Collector
	repo      ports.OrderRepository
	prices    ports.PriceBook

	mu     sync.RWMutex
	orders map[string]*orderEntry

	// reconcileC 有订单进入 awaiting_reconciliation 时发信号
	reconcileC *sigchan.Chan

	exits   sync.WaitGroup
	pending atomic.Int64
	closed  atomic.Bool

	repoErrors  atomic.Int64
	lastRepoErr atomic.Value // string
	// recovered 已从持久化恢复未结束订单
	recovered atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc

	now func() time.Time
}

// NewAgent 创建执行器
func NewAgent(cfg Config, deps Deps) (*Agent, error) {
	if deps.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if deps.Risk == nil || deps.Positions == nil {
		return nil, fmt.Errorf("risk engine and position manager are required")
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewCollector()
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		cfg:        cfg,
		locks:      NewSymbolMutex(cfg.LockTimeout, cfg.LockShards),
		broker:     deps.Broker,
		risk:       deps.Risk,
		positions:  deps.Positions,
		stats:      deps.Stats,
		repo:       deps.Orders,
		prices:     deps.Prices,
		orders:     make(map[string]*orderEntry),
		reconcileC: sigchan.New(1),
		baseCtx:    ctx,
		cancel:     cancel,
		now:        time.Now,
	}, nil
}

func (a *Agent) Stats() *stats.Collector { return a.stats }

// ReconcileSignal 有订单等待对账时可读（合并多次通知）
func (a *Agent) ReconcileSignal() <-chan struct{} { return a.reconcileC.C() }

func (a *Agent) Positions() *position.Manager { return a.positions }

func (a *Agent) Risk() *risk.Engine { return a.risk }

// SubmitOrder 提交订单。
// 请求带 ID 时按 ID 幂等：终态直接返回已存结果；待对账则先对账；
// 券商错误/锁超时失败的订单允许重试；仍在执行中的返回 duplicate_in_flight。
func (a *Agent) SubmitOrder(ctx context.Context, req *domain.OrderRequest) domain.Result[*domain.Order] {
	started := a.now()
	if a.closed.Load() {
		return domain.NewResult[*domain.Order](nil, ErrAgentClosed, started)
	}
	if err := req.Validate(); err != nil {
		agentLog.Debugf("请求校验失败: %v", err)
		return domain.NewResult[*domain.Order](nil, err, started)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	} else {
		// 内存中已清理或重启前的订单从持久化载入，保证按 ID 幂等
		if _, err := a.lookup(ctx, id); err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
			agentLog.Warnf("查询历史订单失败: orderID=%s err=%v", id, err)
		}
	}

	a.mu.Lock()
	entry, exists := a.orders[id]
	if exists {
		if entry.inFlight {
			a.mu.Unlock()
			return domain.NewResult[*domain.Order](entry.order.Clone(), domain.NewDuplicateInFlight(id), started)
		}
		order := entry.order
		switch {
		case order.Status == domain.OrderStatusSubmitted || order.Status == domain.OrderStatusAwaitingReconciliation:
			a.mu.Unlock()
			return a.reconcile(ctx, id, started)
		case isRetryable(order):
			retry := order.Clone()
			retry.Status = domain.OrderStatusValidated
			retry.Reason = ""
			retry.ClosedAt = nil
			entry.order = retry
			entry.err = nil
			entry.inFlight = true
			entry.received = started
			a.mu.Unlock()
			agentLog.Infof("🔁 重试订单: orderID=%s", id)
			a.stats.Submitted()
			return a.execute(ctx, retry.Clone(), started)
		default:
			out, err := order.Clone(), entry.err
			a.mu.Unlock()
			return domain.NewResult(out, err, started)
		}
	}

	order := domain.NewOrder(id, req, started)
	order.Status = domain.OrderStatusValidated
	a.orders[id] = &orderEntry{order: order.Clone(), inFlight: true, received: started}
	a.mu.Unlock()

	a.stats.Submitted()
	return a.execute(ctx, order, started)
}

// isRetryable 未在券商成交的失败订单可用同一 ID 重试（超时订单须先经对账确认未成交）
func isRetryable(o *domain.Order) bool {
	if o.Status != domain.OrderStatusFailed || o.FillApplied {
		return false
	}
	switch o.Reason {
	case domain.ReasonBrokerError, domain.ReasonNotConnected, domain.ReasonLockTimeout,
		domain.ReasonBrokerTimeout:
		return true
	}
	return false
}

// execute 在租约内推进状态机；租约释放后再调度自动平仓
func (a *Agent) execute(ctx context.Context, order *domain.Order, started time.Time) domain.Result[*domain.Order] {
	lease, err := a.locks.Acquire(ctx, order.Key())
	if err != nil {
		agentLog.Warnf("⏱️ 获取租约失败: orderID=%s key=%s err=%v", order.ID, order.Key(), err)
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonLockTimeout
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return domain.NewResult(order.Clone(), err, started)
	}

	decision, err := a.executeLocked(ctx, order)
	lease.Release()

	a.scheduleExit(decision)
	return domain.NewResult(order.Clone(), err, started)
}

func (a *Agent) executeLocked(ctx context.Context, order *domain.Order) (domain.TriggerDecision, error) {
	var none domain.TriggerDecision
	key := order.Key()

	pos, _ := a.positions.OpenPosition(key)
	if order.PositionID != "" {
		p, ok := a.positions.Get(order.PositionID)
		if !ok || !p.IsOpen() || p.Key() != key {
			err := domain.NewUnknownPositionError(order.PositionID)
			agentLog.Errorf("❌ 订单引用未知仓位: orderID=%s positionID=%s", order.ID, order.PositionID)
			order.Status = domain.OrderStatusFailed
			order.Reason = domain.ReasonUnknownPosition
			a.finish(ctx, order, stats.OutcomeFailed, err)
			return none, err
		}
		pos = p
	}

	// 平仓单数量以当前持仓为准（触发后到提交前可能有其他订单减仓）
	if order.IsAutoExit() && pos != nil && order.Quantity.GreaterThan(pos.Quantity) {
		agentLog.Warnf("平仓单数量收敛到当前持仓: orderID=%s %s -> %s", order.ID, order.Quantity, pos.Quantity)
		order.Quantity = pos.Quantity
	}

	// 反向单数量超过持仓：不允许一单平仓再反手，避免券商已成交而本地无法合并
	if pos.IsOpen() && pos.IsReducedBy(order.Side) && order.Quantity.GreaterThan(pos.Quantity) {
		err := domain.NewOverfillError(pos.ID, order.Quantity, pos.Quantity)
		agentLog.Warnf("⛔ 平仓数量超过持仓: orderID=%s qty=%s open=%s", order.ID, order.Quantity, pos.Quantity)
		order.Status = domain.OrderStatusRejected
		order.Reason = domain.ReasonOverfill
		a.finish(ctx, order, stats.OutcomeRejected, err)
		return none, err
	}

	if err := a.risk.Admit(risk.CheckInput{
		Order:          order,
		Position:       pos,
		ReferencePrice: a.referencePrice(order),
	}); err != nil {
		order.Status = domain.OrderStatusRejected
		var rl *domain.RiskLimitError
		if errors.As(err, &rl) {
			order.Reason = rl.Rule
		} else if errors.Is(err, domain.ErrCircuitOpen) {
			order.Reason = domain.ReasonCircuitOpen
		} else {
			order.Reason = string(domain.KindOf(err))
		}
		a.finish(ctx, order, stats.OutcomeRejected, err)
		return none, err
	}
	order.Status = domain.OrderStatusRiskChecked
	a.save(ctx, order, nil, false)

	if !a.broker.IsConnected() {
		err := domain.NewNotConnected("broker session absent")
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonNotConnected
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return none, err
	}

	submittedAt := a.now()
	order.Status = domain.OrderStatusSubmitted
	order.SubmittedAt = &submittedAt
	a.save(ctx, order, nil, false)

	bctx, cancel := context.WithTimeout(ctx, a.cfg.BrokerTimeout)
	report, err := a.broker.SubmitOrder(bctx, order.Clone())
	timedOut := bctx.Err() != nil
	cancel()

	if err != nil {
		return none, a.onBrokerFailure(ctx, order, err, timedOut)
	}
	a.risk.Breaker().OnSuccess()
	if report.BrokerOrderID != "" {
		order.BrokerOrderID = report.BrokerOrderID
	}
	return a.applyReport(ctx, order, report)
}

// onBrokerFailure 券商调用失败：超时进入待对账，其余标记失败；均不修改仓位
func (a *Agent) onBrokerFailure(ctx context.Context, order *domain.Order, err error, timedOut bool) error {
	switch {
	case timedOut || errors.Is(err, domain.ErrBrokerTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		a.risk.Breaker().OnError()
		order.Status = domain.OrderStatusAwaitingReconciliation
		order.Reason = domain.ReasonBrokerTimeout
		out := domain.NewBrokerTimeout("order "+order.ID+" outcome unknown", err)
		agentLog.Warnf("⏱️ 券商超时，等待对账: orderID=%s err=%v", order.ID, err)
		a.save(ctx, order, out, true)
		a.reconcileC.Emit()
		return out

	case errors.Is(err, domain.ErrNotConnected):
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonNotConnected
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return err

	default:
		a.risk.Breaker().OnError()
		out := err
		if domain.KindOf(err) != domain.KindBrokerError {
			out = domain.NewBrokerError("submit order "+order.ID, err)
		}
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonBrokerError
		agentLog.Errorf("❌ 券商下单失败: orderID=%s err=%v", order.ID, err)
		a.finish(ctx, order, stats.OutcomeFailed, out)
		return out
	}
}

// applyReport 根据券商回报推进订单；调用方持有租约。
// 成交按订单 ID 只合并一次，返回合并后可能产生的止损/止盈触发。
func (a *Agent) applyReport(ctx context.Context, order *domain.Order, report *domain.BrokerReport) (domain.TriggerDecision, error) {
	var none domain.TriggerDecision
	if report == nil {
		err := domain.NewBrokerError("empty broker report", nil)
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonBrokerError
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return none, err
	}

	switch report.Status {
	case domain.BrokerStatusFilled, domain.BrokerStatusPartiallyFilled:
		return a.applyFill(ctx, order, report)

	case domain.BrokerStatusCancelled:
		if report.HasFill() {
			return a.applyFill(ctx, order, report)
		}
		order.Status = domain.OrderStatusCancelled
		a.finish(ctx, order, stats.OutcomeCancelled, nil)
		return none, nil

	case domain.BrokerStatusRejected:
		order.Status = domain.OrderStatusRejected
		order.Reason = domain.ReasonBrokerRejected
		err := domain.NewBrokerError("rejected by broker: "+report.Message, nil)
		agentLog.Warnf("券商拒单: orderID=%s msg=%s", order.ID, report.Message)
		a.finish(ctx, order, stats.OutcomeRejected, err)
		return none, err

	default:
		// 挂单中：保持 submitted，由 GetOrderStatus 轮询推进
		order.Status = domain.OrderStatusSubmitted
		order.Reason = ""
		a.save(ctx, order, nil, true)
		return none, nil
	}
}

func (a *Agent) applyFill(ctx context.Context, order *domain.Order, report *domain.BrokerReport) (domain.TriggerDecision, error) {
	var none domain.TriggerDecision
	if !report.HasFill() {
		err := domain.NewBrokerError("fill report without price or quantity", nil)
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonBrokerError
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return none, err
	}
	if order.FillApplied {
		return none, nil
	}

	pos, err := a.positions.ApplyFill(ctx, order, report.FillPrice, report.FilledQuantity)
	if err != nil {
		order.Status = domain.OrderStatusFailed
		if errors.Is(err, domain.ErrOverfill) {
			order.Reason = domain.ReasonOverfill
		} else {
			order.Reason = domain.ReasonUnknownPosition
		}
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return none, err
	}

	filledAt := a.now()
	order.FillApplied = true
	order.PositionID = pos.ID
	order.FilledQuantity = report.FilledQuantity
	order.AvgFillPrice = report.FillPrice
	order.FilledAt = &filledAt
	order.Reason = ""
	outcome := stats.OutcomeFilled
	order.Status = domain.OrderStatusFilled
	if report.FilledQuantity.LessThan(order.Quantity) {
		order.Status = domain.OrderStatusPartiallyFilled
		outcome = stats.OutcomePartiallyFilled
	}
	agentLog.Infof("✅ 成交: orderID=%s status=%s qty=%s price=%s positionID=%s",
		order.ID, order.Status, order.FilledQuantity, order.AvgFillPrice, pos.ID)
	a.finish(ctx, order, outcome, nil)

	if !a.cfg.AutoExit || !pos.IsOpen() {
		return none, nil
	}
	d, err := a.positions.CheckStopConditions(ctx, pos.ID, report.FillPrice)
	if err != nil {
		return none, nil
	}
	return d, nil
}

// referencePrice 限价/止损价优先，市价单取行情
func (a *Agent) referencePrice(order *domain.Order) decimal.Decimal {
	if p, ok := order.ReferencePrice(); ok {
		return p
	}
	if a.prices != nil {
		if p, ok := a.prices.Last(order.Symbol); ok {
			return p
		}
	}
	return decimal.Zero
}

// finish 订单进入终态：记统计、持久化；平仓单未完全平掉仓位时清除 ExitPending
func (a *Agent) finish(ctx context.Context, order *domain.Order, outcome stats.Outcome, err error) {
	closedAt := a.now()
	order.ClosedAt = &closedAt

	a.mu.RLock()
	received := order.CreatedAt
	if e, ok := a.orders[order.ID]; ok {
		received = e.received
	}
	a.mu.RUnlock()
	a.stats.Record(outcome, closedAt.Sub(received))
	a.risk.Release(order.OwnerID, order.ID)

	a.save(ctx, order, err, true)

	if order.IsAutoExit() && order.PositionID != "" {
		if p, ok := a.positions.Get(order.PositionID); ok && p.IsOpen() {
			a.positions.ClearExitPending(ctx, order.PositionID)
		}
	}
}

// save 更新订单簿并持久化；done 表示本轮提交流程结束
func (a *Agent) save(ctx context.Context, order *domain.Order, err error, done bool) {
	a.mu.Lock()
	e, ok := a.orders[order.ID]
	if !ok {
		e = &orderEntry{received: order.CreatedAt}
		a.orders[order.ID] = e
	}
	e.order = order.Clone()
	if done {
		e.err = err
		e.inFlight = false
	}
	a.mu.Unlock()

	if a.repo != nil {
		if perr := a.repo.SaveOrder(ctx, order.Clone()); perr != nil {
			agentLog.Errorf("❌ 保存订单失败: orderID=%s err=%v", order.ID, perr)
			a.repoErrors.Add(1)
			a.lastRepoErr.Store(perr.Error())
		}
	}
}

// lookup 内存优先，其次持久化
func (a *Agent) lookup(ctx context.Context, id string) (*domain.Order, error) {
	a.mu.RLock()
	e, ok := a.orders[id]
	a.mu.RUnlock()
	if ok {
		return e.order.Clone(), nil
	}
	if a.repo == nil {
		return nil, domain.NewOrderNotFound(id)
	}
	o, err := a.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	if o == nil {
		return nil, domain.NewOrderNotFound(id)
	}
	a.mu.Lock()
	if _, ok := a.orders[id]; !ok {
		a.orders[id] = &orderEntry{order: o.Clone(), received: o.CreatedAt}
	}
	a.mu.Unlock()
	return o, nil
}

// ListOrders 查询持久化中的订单；无持久化时查内存
func (a *Agent) ListOrders(ctx context.Context, ownerID, symbol string) ([]*domain.Order, error) {
	if a.repo != nil {
		return a.repo.ListOrders(ctx, ownerID, symbol)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.Order, 0)
	for _, e := range a.orders {
		if ownerID != "" && e.order.OwnerID != ownerID {
			continue
		}
		if symbol != "" && e.order.Symbol != symbol {
			continue
		}
		out = append(out, e.order.Clone())
	}
	return out, nil
}

// Close 停止接受新订单并等待在途平仓 goroutine 结束
func (a *Agent) Close(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.cancel()
	done := make(chan struct{})
	go func() {
		a.exits.Wait()
		close(done)
	}()
	select {
	case <-done:
		agentLog.Infof("执行器已关闭")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait auto-exit goroutines: %w", ctx.Err())
	}
}
