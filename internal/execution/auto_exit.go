package execution

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/betbot/ordercore/internal/domain"
)

// OnPriceUpdate 行情入口（推送或轮询都走这里）。
// 对该 symbol 上每个持仓的 owner 依次获取租约，刷新盈亏并判定止损/止盈。
func (a *Agent) OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal) {
	if symbol == "" || !price.IsPositive() {
		return
	}
	if a.prices != nil {
		a.prices.Update(symbol, price, a.now())
	}
	for _, key := range a.positions.OpenKeys(symbol) {
		lease, err := a.locks.Acquire(ctx, key)
		if err != nil {
			agentLog.Warnf("行情更新获取租约失败，跳过: key=%s err=%v", key, err)
			continue
		}
		var decision domain.TriggerDecision
		if pos, ok := a.positions.OpenPosition(key); ok {
			if a.cfg.AutoExit {
				decision, _ = a.positions.CheckStopConditions(ctx, pos.ID, price)
			} else {
				a.positions.MarkPrice(ctx, pos.ID, price)
			}
		}
		lease.Release()
		a.scheduleExit(decision)
	}
}

// scheduleExit 在租约释放之后以新的租约提交平仓单
func (a *Agent) scheduleExit(d domain.TriggerDecision) {
	if !d.Fired() || !a.cfg.AutoExit {
		return
	}
	if a.closed.Load() {
		// 未提交的平仓需要清除标记，重启后可再次触发
		a.positions.ClearExitPending(context.Background(), d.PositionID)
		return
	}

	id := uuid.NewString()
	a.positions.SetExitOrder(a.baseCtx, d.PositionID, id)
	req := &domain.OrderRequest{
		ID:         id,
		OwnerID:    d.OwnerID,
		Symbol:     d.Symbol,
		Side:       d.Side.ClosingSide(),
		Quantity:   d.Quantity,
		Type:       domain.OrderTypeMarket,
		PositionID: d.PositionID,
		Origin:     d.Trigger.Origin(),
	}

	a.exits.Add(1)
	a.pending.Add(1)
	go func() {
		defer a.exits.Done()
		defer a.pending.Add(-1)

		agentLog.Infof("🚀 提交自动平仓: orderID=%s positionID=%s trigger=%s qty=%s price=%s",
			id, d.PositionID, d.Trigger, d.Quantity, d.Price)
		res := a.SubmitOrder(a.baseCtx, req)
		if !res.Success {
			agentLog.Errorf("❌ 自动平仓失败: orderID=%s positionID=%s err=%v", id, d.PositionID, res.Err())
			// SubmitOrder 在关闭后直接返回，不会经过 finish
			if res.Data == nil {
				a.positions.ClearExitPending(context.Background(), d.PositionID)
			}
		}
	}()
}

// PendingExits 在途自动平仓数量
func (a *Agent) PendingExits() int64 { return a.pending.Load() }
