package position

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/ports"
	"github.com/betbot/ordercore/internal/risk"
)

var positionLog = logrus.WithField("component", "position_manager")

// Manager 仓位管理器
//
// 调用方必须持有对应 (owner, symbol) 的租约；Manager 内部的锁只保护索引，
// 不负责跨操作的串行化。
type Manager struct {
	mu sync.RWMutex

	byID map[string]*domain.Position
	// (owner, symbol) -> 未关闭仓位 ID；同一键最多一个
	open map[domain.SymbolKey]string
	// orderID -> positionID，成交按订单只合并一次
	applied map[string]string

	repo   ports.PositionRepository
	ledger *risk.Ledger
	now    func() time.Time
}

// NewManager repo/ledger 可为 nil
func NewManager(repo ports.PositionRepository, ledger *risk.Ledger) *Manager {
	return &Manager{
		byID:    make(map[string]*domain.Position),
		open:    make(map[domain.SymbolKey]string),
		applied: make(map[string]string),
		repo:    repo,
		ledger:  ledger,
		now:     time.Now,
	}
}

// Load 从持久化恢复未关闭仓位（启动时调用）
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.repo == nil {
		return 0, nil
	}
	positions, err := m.repo.ListOpenPositions(ctx, "")
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range positions {
		if !p.IsOpen() {
			continue
		}
		if _, dup := m.open[p.Key()]; dup {
			positionLog.Errorf("❌ 持久化中同一 key 存在多个未关闭仓位，忽略: key=%s positionID=%s", p.Key(), p.ID)
			continue
		}
		c := p.Clone()
		m.byID[c.ID] = c
		m.open[c.Key()] = c.ID
		m.syncLedger(c)
		n++
	}
	positionLog.Infof("📂 恢复未关闭仓位: %d", n)
	return n, nil
}

// Get 按 ID 查询（返回副本）
func (m *Manager) Get(id string) (*domain.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// OpenPosition 查询 (owner, symbol) 当前未关闭仓位
func (m *Manager) OpenPosition(key domain.SymbolKey) (*domain.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[key]
	if !ok {
		return nil, false
	}
	return m.byID[id].Clone(), true
}

// ListOpen 列出 owner 的未关闭仓位，按 symbol 排序
func (m *Manager) ListOpen(ownerID string) []*domain.Position {
	m.mu.RLock()
	out := make([]*domain.Position, 0)
	for key, id := range m.open {
		if ownerID != "" && key.OwnerID != ownerID {
			continue
		}
		out = append(out, m.byID[id].Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// OpenKeys 某 symbol 上持有未关闭仓位的所有 (owner, symbol)
func (m *Manager) OpenKeys(symbol string) []domain.SymbolKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []domain.SymbolKey
	for key := range m.open {
		if key.Symbol == symbol {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].OwnerID < keys[j].OwnerID })
	return keys
}

// ApplyFill 将订单成交合并进仓位：
//   - 无仓位：开仓
//   - 同向：加仓，均价按数量加权
//   - 反向：减仓，已平部分计入已实现盈亏，均价不变；数量归零即关闭
//
// 同一订单重复调用直接返回当前仓位，不重复计数。
func (m *Manager) ApplyFill(ctx context.Context, order *domain.Order, price, qty decimal.Decimal) (*domain.Position, error) {
	if order == nil {
		return nil, domain.NewValidationError("order is nil")
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return nil, domain.NewValidationError("fill price and quantity must be greater than 0")
	}

	m.mu.Lock()
	if pid, ok := m.applied[order.ID]; ok {
		p := m.byID[pid].Clone()
		m.mu.Unlock()
		positionLog.Debugf("成交已合并，跳过: orderID=%s positionID=%s", order.ID, pid)
		return p, nil
	}

	key := order.Key()
	var pos *domain.Position
	if order.PositionID != "" {
		pos = m.byID[order.PositionID]
		if !pos.IsOpen() || pos.Key() != key {
			m.mu.Unlock()
			positionLog.Errorf("❌ 订单引用的仓位不存在或已关闭: orderID=%s positionID=%s", order.ID, order.PositionID)
			return nil, domain.NewUnknownPositionError(order.PositionID)
		}
	} else if id, ok := m.open[key]; ok {
		pos = m.byID[id]
	}

	now := m.now()
	realized := decimal.Zero
	switch {
	case pos == nil:
		pos = &domain.Position{
			ID:            uuid.NewString(),
			OwnerID:       order.OwnerID,
			Symbol:        order.Symbol,
			Side:          domain.SideForOpen(order.Side),
			Quantity:      qty,
			AvgEntryPrice: price,
			StopLoss:      order.StopLoss,
			TakeProfit:    order.TakeProfit,
			Status:        domain.PositionStatusOpen,
			OpenedAt:      now,
		}
		m.byID[pos.ID] = pos
		m.open[key] = pos.ID
		positionLog.Infof("🆕 开仓: positionID=%s owner=%s symbol=%s side=%s qty=%s price=%s",
			pos.ID, pos.OwnerID, pos.Symbol, pos.Side, qty, price)

	case domain.SideForOpen(order.Side) == pos.Side:
		total := pos.Quantity.Add(qty)
		pos.AvgEntryPrice = pos.Quantity.Mul(pos.AvgEntryPrice).Add(qty.Mul(price)).Div(total)
		pos.Quantity = total
		if order.StopLoss != nil {
			pos.StopLoss = order.StopLoss
		}
		if order.TakeProfit != nil {
			pos.TakeProfit = order.TakeProfit
		}
		positionLog.Infof("➕ 加仓: positionID=%s qty=%s avg=%s", pos.ID, pos.Quantity, pos.AvgEntryPrice)

	default:
		if qty.GreaterThan(pos.Quantity) {
			m.mu.Unlock()
			positionLog.Errorf("❌ 平仓数量超过持仓: orderID=%s positionID=%s fill=%s open=%s",
				order.ID, pos.ID, qty, pos.Quantity)
			return nil, domain.NewOverfillError(pos.ID, qty, pos.Quantity)
		}
		realized = pos.PnLAt(price, qty)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.IsZero() {
			pos.Status = domain.PositionStatusClosed
			pos.ClosedAt = &now
			pos.ExitPending = false
			pos.ExitOrderID = ""
			delete(m.open, key)
			positionLog.Infof("✅ 平仓: positionID=%s realized=%s total=%s", pos.ID, realized, pos.RealizedPnL)
		} else {
			pos.Status = domain.PositionStatusPartiallyClosed
			positionLog.Infof("➖ 减仓: positionID=%s remaining=%s realized=%s", pos.ID, pos.Quantity, realized)
		}
	}

	pos.Mark(price)
	m.applied[order.ID] = pos.ID
	// 先同步敞口再计成交：RecordFill 会归还该订单的预占额度
	m.syncLedger(pos)
	if m.ledger != nil {
		m.ledger.RecordFill(pos.OwnerID, order.ID, realized)
	}
	out := pos.Clone()
	m.mu.Unlock()

	m.persist(ctx, out)
	return out, nil
}

// CheckStopConditions 用最新价格刷新仓位并判定止损/止盈。
// 触发时原子地置 ExitPending，之后同一仓位不再触发，直到平仓或 ClearExitPending。
func (m *Manager) CheckStopConditions(ctx context.Context, positionID string, price decimal.Decimal) (domain.TriggerDecision, error) {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || !pos.IsOpen() {
		m.mu.Unlock()
		return domain.TriggerDecision{Trigger: domain.TriggerNone, PositionID: positionID}, domain.NewUnknownPositionError(positionID)
	}
	pos.Mark(price)
	m.syncLedger(pos)

	d := domain.TriggerDecision{
		Trigger:    domain.TriggerNone,
		PositionID: pos.ID,
		OwnerID:    pos.OwnerID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		Price:      price,
	}
	if pos.ExitPending {
		m.mu.Unlock()
		return d, nil
	}
	d.Trigger = risk.StopTrigger(pos.Side, pos.StopLoss, pos.TakeProfit, price)
	if !d.Fired() {
		m.mu.Unlock()
		return d, nil
	}
	pos.ExitPending = true
	out := pos.Clone()
	m.mu.Unlock()

	positionLog.Warnf("🚨 触发%s: positionID=%s owner=%s symbol=%s price=%s qty=%s",
		d.Trigger, d.PositionID, d.OwnerID, d.Symbol, price, d.Quantity)
	m.persist(ctx, out)
	return d, nil
}

// SetExitOrder 记录平仓单 ID
func (m *Manager) SetExitOrder(ctx context.Context, positionID, orderID string) {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || !pos.IsOpen() {
		m.mu.Unlock()
		return
	}
	pos.ExitOrderID = orderID
	out := pos.Clone()
	m.mu.Unlock()
	m.persist(ctx, out)
}

// ClearExitPending 平仓单失败/被拒后清除标记，允许再次触发
func (m *Manager) ClearExitPending(ctx context.Context, positionID string) bool {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || !pos.ExitPending {
		m.mu.Unlock()
		return false
	}
	pos.ExitPending = false
	pos.ExitOrderID = ""
	out := pos.Clone()
	m.mu.Unlock()

	positionLog.Infof("🔓 清除平仓标记: positionID=%s", positionID)
	m.persist(ctx, out)
	return true
}

// syncLedger 调用方持有 m.mu
func (m *Manager) syncLedger(pos *domain.Position) {
	if m.ledger == nil {
		return
	}
	m.ledger.UpdatePosition(pos.OwnerID, pos.Symbol, pos.Notional(), pos.UnrealizedPnL, pos.IsOpen())
	if equity := m.ledger.Snapshot(pos.OwnerID).Equity; equity.IsPositive() && pos.IsOpen() {
		pos.Leverage = pos.Notional().Div(equity)
	} else {
		pos.Leverage = decimal.Zero
	}
}

// persist 持久化失败只记录日志，不回滚内存状态
func (m *Manager) persist(ctx context.Context, pos *domain.Position) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SavePosition(ctx, pos); err != nil {
		positionLog.Errorf("❌ 保存仓位失败: positionID=%s err=%v", pos.ID, err)
	}
}

// MarkPrice 只刷新未实现盈亏，不判定触发（关闭自动平仓时使用）
func (m *Manager) MarkPrice(ctx context.Context, positionID string, price decimal.Decimal) (*domain.Position, bool) {
	m.mu.Lock()
	pos, ok := m.byID[positionID]
	if !ok || !pos.IsOpen() {
		m.mu.Unlock()
		return nil, false
	}
	pos.Mark(price)
	m.syncLedger(pos)
	out := pos.Clone()
	m.mu.Unlock()
	return out, true
}

// Prune 移除关闭早于 before 的仓位及其成交记录，返回移除数量。
// 订单是否已合并由订单自身的 FillApplied 保证，这里只是内存索引。
func (m *Manager) Prune(before time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := make(map[string]struct{})
	for id, p := range m.byID {
		if p.IsOpen() || p.ClosedAt == nil || p.ClosedAt.After(before) {
			continue
		}
		delete(m.byID, id)
		removed[id] = struct{}{}
	}
	if len(removed) == 0 {
		return 0
	}
	for orderID, pid := range m.applied {
		if _, ok := removed[pid]; ok {
			delete(m.applied, orderID)
		}
	}
	return len(removed)
}
