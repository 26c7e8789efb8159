package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/stats"
)

// GetOrderStatus 查询订单；submitted / awaiting_reconciliation 的订单会轮询券商对账
func (a *Agent) GetOrderStatus(ctx context.Context, id string) domain.Result[*domain.Order] {
	return a.reconcile(ctx, id, a.now())
}

// reconcile 对账：券商确认成交时按订单 ID 只合并一次；
// 超时订单若券商侧查不到成交，则标记 failed 并保留 broker_timeout 原因。
func (a *Agent) reconcile(ctx context.Context, id string, started time.Time) domain.Result[*domain.Order] {
	order, err := a.lookup(ctx, id)
	if err != nil {
		return domain.NewResult[*domain.Order](nil, err, started)
	}
	if !needsReconcile(order) {
		return domain.NewResult(order, a.storedErr(id), started)
	}

	lease, err := a.locks.Acquire(ctx, order.Key())
	if err != nil {
		return domain.NewResult(order, err, started)
	}
	// 持有租约后重新读取，期间可能已被其他流程推进
	order, err = a.lookup(ctx, id)
	if err != nil || !needsReconcile(order) {
		lease.Release()
		if err != nil {
			return domain.NewResult[*domain.Order](nil, err, started)
		}
		return domain.NewResult(order, a.storedErr(id), started)
	}

	decision, err := a.reconcileLocked(ctx, order)
	lease.Release()

	a.scheduleExit(decision)
	return domain.NewResult(order.Clone(), err, started)
}

func needsReconcile(o *domain.Order) bool {
	return o.Status == domain.OrderStatusSubmitted || o.Status == domain.OrderStatusAwaitingReconciliation
}

func (a *Agent) storedErr(id string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if e, ok := a.orders[id]; ok {
		return e.err
	}
	return nil
}

func (a *Agent) reconcileLocked(ctx context.Context, order *domain.Order) (domain.TriggerDecision, error) {
	var none domain.TriggerDecision

	bctx, cancel := context.WithTimeout(ctx, a.cfg.BrokerTimeout)
	report, err := a.broker.GetOrderStatus(bctx, order.ID)
	cancel()
	if err != nil {
		// 查询失败不改变本地状态，调用方可再次轮询
		agentLog.Warnf("对账查询失败: orderID=%s status=%s err=%v", order.ID, order.Status, err)
		return none, err
	}
	if report == nil {
		report = &domain.BrokerReport{OrderID: order.ID, Status: domain.BrokerStatusUnknown}
	}
	if report.BrokerOrderID != "" {
		order.BrokerOrderID = report.BrokerOrderID
	}

	awaiting := order.Status == domain.OrderStatusAwaitingReconciliation
	switch {
	case report.HasFill():
		agentLog.Infof("🔄 对账确认成交: orderID=%s qty=%s price=%s", order.ID, report.FilledQuantity, report.FillPrice)
		return a.applyReport(ctx, order, report)

	case report.Status == domain.BrokerStatusPending:
		if awaiting {
			// 券商确认订单仍在挂单：回到 submitted
			order.Status = domain.OrderStatusSubmitted
			order.Reason = ""
			a.save(ctx, order, nil, true)
		}
		return none, nil

	case awaiting:
		agentLog.Warnf("对账未发现成交，订单失败: orderID=%s brokerStatus=%s", order.ID, report.Status)
		order.Status = domain.OrderStatusFailed
		order.Reason = domain.ReasonBrokerTimeout
		err := domain.NewBrokerTimeout("order "+order.ID+" not filled at broker", nil)
		a.finish(ctx, order, stats.OutcomeFailed, err)
		return none, err

	default:
		return a.applyReport(ctx, order, report)
	}
}

// CancelOrder 撤单；订单已终态时返回 false（不是错误）。
// 撤单前先向券商查询一次，已部分成交的数量先合并进仓位。
func (a *Agent) CancelOrder(ctx context.Context, id string) domain.Result[bool] {
	started := a.now()
	order, err := a.lookup(ctx, id)
	if err != nil {
		return domain.NewResult(false, err, started)
	}
	if order.IsTerminal() {
		return domain.NewResult(false, nil, started)
	}

	lease, err := a.locks.Acquire(ctx, order.Key())
	if err != nil {
		return domain.NewResult(false, err, started)
	}

	order, err = a.lookup(ctx, id)
	if err != nil {
		lease.Release()
		return domain.NewResult(false, err, started)
	}
	if order.IsTerminal() {
		lease.Release()
		return domain.NewResult(false, nil, started)
	}
	if !needsReconcile(order) {
		lease.Release()
		// 提交流程尚未到达券商
		return domain.NewResult(false, domain.NewDuplicateInFlight(id), started)
	}

	decision, ok, err := a.cancelLocked(ctx, order)
	lease.Release()

	a.scheduleExit(decision)
	return domain.NewResult(ok, err, started)
}

func (a *Agent) cancelLocked(ctx context.Context, order *domain.Order) (domain.TriggerDecision, bool, error) {
	var decision domain.TriggerDecision

	bctx, cancel := context.WithTimeout(ctx, a.cfg.BrokerTimeout)
	report, err := a.broker.GetOrderStatus(bctx, order.ID)
	cancel()
	switch {
	case err != nil:
		agentLog.Warnf("撤单前查询失败，直接撤单: orderID=%s err=%v", order.ID, err)
	case report != nil && report.HasFill():
		if report.BrokerOrderID != "" {
			order.BrokerOrderID = report.BrokerOrderID
		}
		decision, err = a.applyReport(ctx, order, report)
		if err != nil {
			return decision, false, err
		}
		if report.Status != domain.BrokerStatusPartiallyFilled {
			// 已全部成交或券商侧已结束，无剩余可撤
			return decision, false, nil
		}
	}

	bctx, cancel = context.WithTimeout(ctx, a.cfg.BrokerTimeout)
	ok, err := a.broker.CancelOrder(bctx, order.ID)
	cancel()
	if err != nil {
		agentLog.Warnf("撤单失败: orderID=%s err=%v", order.ID, err)
		return decision, false, err
	}
	if !ok {
		return decision, false, nil
	}
	if order.FillApplied {
		// 已成交部分保留 partially_filled，只撤剩余数量
		agentLog.Infof("🚫 已撤销剩余数量: orderID=%s filled=%s", order.ID, order.FilledQuantity)
		return decision, true, nil
	}

	order.Status = domain.OrderStatusCancelled
	order.Reason = ""
	agentLog.Infof("🚫 已撤单: orderID=%s", order.ID)
	a.finish(ctx, order, stats.OutcomeCancelled, nil)
	return decision, true, nil
}

// ReconcilePending 对所有 submitted / awaiting_reconciliation 的订单轮询一次券商，返回处理数量。
// 首次调用时先从持久化恢复重启前未结束的订单；结束后清理过期终态订单。
func (a *Agent) ReconcilePending(ctx context.Context) int {
	if !a.recovered.Load() {
		if _, err := a.Recover(ctx); err != nil {
			agentLog.Errorf("❌ 恢复未结束订单失败: %v", err)
		}
	}

	a.mu.RLock()
	ids := make([]string, 0)
	for id, e := range a.orders {
		if !e.inFlight && needsReconcile(e.order) {
			ids = append(ids, id)
		}
	}
	a.mu.RUnlock()

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		res := a.reconcile(ctx, id, a.now())
		if res.Data != nil && !needsReconcile(res.Data) {
			agentLog.Infof("🔄 对账完成: orderID=%s status=%s", id, res.Data.Status)
		}
	}

	a.Prune(a.now())
	return len(ids)
}

// Recover 把持久化中 submitted / awaiting_reconciliation 的订单载入内存，
// 并重新预占风控额度，之后由 ReconcilePending 对账。返回载入数量。
func (a *Agent) Recover(ctx context.Context) (int, error) {
	if a.repo == nil {
		a.recovered.Store(true)
		return 0, nil
	}
	orders, err := a.repo.ListOrders(ctx, "", "")
	if err != nil {
		return 0, fmt.Errorf("list orders: %w", err)
	}

	n := 0
	for _, o := range orders {
		if !needsReconcile(o) {
			continue
		}
		a.mu.Lock()
		_, known := a.orders[o.ID]
		if !known {
			a.orders[o.ID] = &orderEntry{order: o.Clone(), received: o.CreatedAt}
		}
		a.mu.Unlock()
		if known {
			continue
		}

		pos, _ := a.positions.OpenPosition(o.Key())
		if !risk.IsRiskReducing(o, pos) {
			in := risk.CheckInput{Order: o, Position: pos, ReferencePrice: a.referencePrice(o)}
			a.risk.Ledger().Reserve(o.OwnerID, o.ID, risk.ReservationFor(in))
		}
		n++
	}
	a.recovered.Store(true)
	agentLog.Infof("📂 恢复未结束订单: %d", n)
	return n, nil
}

// Prune 清理内存中关闭早于保留期的终态订单和已关闭仓位，返回清理的订单数。
// 订单仍在持久化中，同 ID 重新提交时会从持久化载入。
func (a *Agent) Prune(now time.Time) int {
	if a.repo == nil {
		return 0
	}
	cutoff := now.Add(-a.cfg.Retention)
	n := 0
	a.mu.Lock()
	for id, e := range a.orders {
		closedAt := e.order.ClosedAt
		if e.inFlight || !e.order.IsTerminal() || closedAt == nil || closedAt.After(cutoff) {
			continue
		}
		delete(a.orders, id)
		n++
	}
	a.mu.Unlock()

	if p := a.positions.Prune(cutoff); n > 0 || p > 0 {
		agentLog.Debugf("清理过期订单 %d 个，已关闭仓位 %d 个", n, p)
	}
	return n
}
