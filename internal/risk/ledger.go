package risk

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// State 单个 owner 的风控状态快照（RiskState）
type State struct {
	OwnerID       string          `json:"owner_id"`
	DayKey        int             `json:"day_key"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TradeCount    int             `json:"trade_count"`
	OpenPositions int             `json:"open_positions"`
	Exposure      decimal.Decimal `json:"exposure"`
	Equity        decimal.Decimal `json:"equity"`
	// PendingOrders 已通过风控、尚未成交或结束的订单数
	PendingOrders int `json:"pending_orders"`
}

// DailyPnL 当日已实现 + 未实现
func (s State) DailyPnL() decimal.Decimal {
	return s.RealizedPnL.Add(s.UnrealizedPnL)
}

// Leverage 当前敞口 / 权益
func (s State) Leverage() decimal.Decimal {
	if !s.Equity.IsPositive() {
		return decimal.Zero
	}
	return s.Exposure.Div(s.Equity)
}

// Reservation 已通过风控、尚未成交的订单占用的额度。
// 成交计入 (RecordFill) 或订单结束 (Release) 时归还。
type Reservation struct {
	Symbol string
	// Opens 成交后会新开仓位
	Opens    bool
	Notional decimal.Decimal
}

type symbolExposure struct {
	notional   decimal.Decimal
	unrealized decimal.Decimal
}

// ownerBook 按 owner 加锁；与 symbol 租约互不相干，
// 同一 owner 不同 symbol 并行成交时在这里串行。
type ownerBook struct {
	mu sync.Mutex

	dayKey     int
	realized   decimal.Decimal
	tradeCount int
	// orderID -> 计入时的 dayKey，保证同一订单只计一次
	counted map[string]int

	equity    decimal.Decimal
	positions map[string]symbolExposure
	// orderID -> 预占额度
	reserved map[string]Reservation
}

// Ledger 跨 symbol 的 owner 级计数器
type Ledger struct {
	mu     sync.RWMutex
	owners map[string]*ownerBook

	defaultEquity decimal.Decimal
	loc           *time.Location
	now           func() time.Time
}

// NewLedger loc 为日切时区，nil 表示 UTC
func NewLedger(defaultEquity decimal.Decimal, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		owners:        make(map[string]*ownerBook),
		defaultEquity: defaultEquity,
		loc:           loc,
		now:           time.Now,
	}
}

// SetClock 测试用
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

func (l *Ledger) dayKey() int {
	l.mu.RLock()
	now := l.now
	l.mu.RUnlock()
	t := now().In(l.loc)
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

func (l *Ledger) book(ownerID string) *ownerBook {
	l.mu.RLock()
	b, ok := l.owners[ownerID]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.owners[ownerID]; ok {
		return b
	}
	b = &ownerBook{
		equity:    l.defaultEquity,
		counted:   make(map[string]int),
		positions: make(map[string]symbolExposure),
		reserved:  make(map[string]Reservation),
	}
	l.owners[ownerID] = b
	return b
}

// rollDayIfNeeded 调用方持有 b.mu
func (b *ownerBook) rollDayIfNeeded(key int) {
	if b.dayKey == key {
		return
	}
	prev := b.dayKey
	b.dayKey = key
	b.realized = decimal.Zero
	b.tradeCount = 0
	for id, k := range b.counted {
		// 只保留上一个交易日的，覆盖跨日对账
		if k != prev {
			delete(b.counted, id)
		}
	}
}

// Snapshot 返回 owner 当前风控状态（不含预占额度）
func (l *Ledger) Snapshot(ownerID string) State {
	key := l.dayKey()
	b := l.book(ownerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayIfNeeded(key)
	return b.stateLocked(ownerID)
}

// stateLocked 调用方持有 b.mu
func (b *ownerBook) stateLocked(ownerID string) State {
	st := State{
		OwnerID:       ownerID,
		DayKey:        b.dayKey,
		RealizedPnL:   b.realized,
		TradeCount:    b.tradeCount,
		Equity:        b.equity,
		PendingOrders: len(b.reserved),
	}
	for _, e := range b.positions {
		st.OpenPositions++
		st.Exposure = st.Exposure.Add(e.notional)
		st.UnrealizedPnL = st.UnrealizedPnL.Add(e.unrealized)
	}
	return st
}

// admissionLocked 在实际状态上叠加预占额度：每笔预占算一次交易，
// 新开仓位按 symbol 去重。opensNew 表示 r 是否会让持仓数再加一。
func (b *ownerBook) admissionLocked(ownerID string, r Reservation) (State, bool) {
	st := b.stateLocked(ownerID)
	opening := make(map[string]struct{})
	for _, res := range b.reserved {
		st.TradeCount++
		st.Exposure = st.Exposure.Add(res.Notional)
		if _, open := b.positions[res.Symbol]; res.Opens && !open {
			opening[res.Symbol] = struct{}{}
		}
	}
	st.OpenPositions += len(opening)

	_, open := b.positions[r.Symbol]
	_, pending := opening[r.Symbol]
	return st, r.Opens && !open && !pending
}

// AdmitFunc 在 owner 锁内对叠加了预占额度的状态做检查
type AdmitFunc func(st State, opensNew bool) error

// Evaluate 只检查不预占
func (l *Ledger) Evaluate(ownerID string, r Reservation, check AdmitFunc) error {
	key := l.dayKey()
	b := l.book(ownerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayIfNeeded(key)
	st, opensNew := b.admissionLocked(ownerID, r)
	return check(st, opensNew)
}

// Admit 检查并预占，二者在同一把 owner 锁内完成；
// 同 owner 不同 symbol 的并发订单不会同时越过上限。
// 同一 orderID 再次 Admit 时先归还旧的预占。
func (l *Ledger) Admit(ownerID, orderID string, r Reservation, check AdmitFunc) error {
	key := l.dayKey()
	b := l.book(ownerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayIfNeeded(key)

	delete(b.reserved, orderID)
	st, opensNew := b.admissionLocked(ownerID, r)
	if err := check(st, opensNew); err != nil {
		return err
	}
	b.reserved[orderID] = r
	return nil
}

// Reserve 无条件预占（重启后恢复未结束订单用）
func (l *Ledger) Reserve(ownerID, orderID string, r Reservation) {
	b := l.book(ownerID)
	b.mu.Lock()
	b.reserved[orderID] = r
	b.mu.Unlock()
}

// Release 归还预占；不存在时无操作
func (l *Ledger) Release(ownerID, orderID string) {
	b := l.book(ownerID)
	b.mu.Lock()
	delete(b.reserved, orderID)
	b.mu.Unlock()
}

// RecordFill 订单成交计入当日交易数与已实现盈亏。
// 同一 orderID 重复调用返回 false 且不改变计数。
func (l *Ledger) RecordFill(ownerID, orderID string, realizedDelta decimal.Decimal) bool {
	key := l.dayKey()
	b := l.book(ownerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollDayIfNeeded(key)

	delete(b.reserved, orderID)
	if _, dup := b.counted[orderID]; dup {
		return false
	}
	b.counted[orderID] = key
	b.tradeCount++
	b.realized = b.realized.Add(realizedDelta)
	return true
}

// UpdatePosition 同步某个 symbol 的敞口与未实现盈亏；open=false 时移除
func (l *Ledger) UpdatePosition(ownerID, symbol string, notional, unrealized decimal.Decimal, open bool) {
	b := l.book(ownerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !open {
		delete(b.positions, symbol)
		return
	}
	b.positions[symbol] = symbolExposure{notional: notional, unrealized: unrealized}
}

// SetEquity 设置账户权益（杠杆计算分母）
func (l *Ledger) SetEquity(ownerID string, equity decimal.Decimal) {
	b := l.book(ownerID)
	b.mu.Lock()
	b.equity = equity
	b.mu.Unlock()
}

// DailySnapshot 持久化用的当日计数
type DailySnapshot struct {
	OwnerID    string          `json:"owner_id"`
	DayKey     int             `json:"day_key"`
	Realized   decimal.Decimal `json:"realized"`
	TradeCount int             `json:"trade_count"`
	Equity     decimal.Decimal `json:"equity"`
	OrderIDs   []string        `json:"order_ids"`
}

// Export 导出所有 owner 的当日计数
func (l *Ledger) Export() []DailySnapshot {
	l.mu.RLock()
	ids := make([]string, 0, len(l.owners))
	for id := range l.owners {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	key := l.dayKey()
	out := make([]DailySnapshot, 0, len(ids))
	for _, id := range ids {
		b := l.book(id)
		b.mu.Lock()
		b.rollDayIfNeeded(key)
		snap := DailySnapshot{
			OwnerID:    id,
			DayKey:     b.dayKey,
			Realized:   b.realized,
			TradeCount: b.tradeCount,
			Equity:     b.equity,
		}
		for oid, k := range b.counted {
			if k == b.dayKey {
				snap.OrderIDs = append(snap.OrderIDs, oid)
			}
		}
		b.mu.Unlock()
		sort.Strings(snap.OrderIDs)
		out = append(out, snap)
	}
	return out
}

// Restore 恢复当日计数；日期不是今天的快照只恢复权益
func (l *Ledger) Restore(snaps []DailySnapshot) {
	key := l.dayKey()
	for _, s := range snaps {
		b := l.book(s.OwnerID)
		b.mu.Lock()
		if s.Equity.IsPositive() {
			b.equity = s.Equity
		}
		if s.DayKey == key {
			b.dayKey = key
			b.realized = s.Realized
			b.tradeCount = s.TradeCount
			for _, oid := range s.OrderIDs {
				b.counted[oid] = key
			}
		}
		b.mu.Unlock()
	}
}
