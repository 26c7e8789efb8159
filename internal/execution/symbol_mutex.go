package execution

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/betbot/ordercore/internal/domain"
)

// SymbolMutex 按 (owner, symbol) 串行化执行流程的分片锁表。
//
// - 每个 key 同一时刻最多一个临界区；不同 key 完全并行
// - 锁条目惰性创建，无持有者也无等待者时回收
// - 获取超时返回 LockTimeout，避免卡住的券商调用导致死锁
//
// 不支持重入：同一流程内再次 Acquire 同一 key 会一直等到超时。
type SymbolMutex struct {
	timeout time.Duration
	shards  []lockShard
}

type lockShard struct {
	mu sync.Mutex
	m  map[domain.SymbolKey]*lockEntry
}

type lockEntry struct {
	// 容量为 1 的令牌：写入成功即持有
	token chan struct{}
	// 持有者 + 等待者数量，归零时从 shard 删除
	refs int
}

// NewSymbolMutex 创建锁表。timeout <= 0 时只受 ctx 约束。
func NewSymbolMutex(timeout time.Duration, shardCount int) *SymbolMutex {
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]lockShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[domain.SymbolKey]*lockEntry)
	}
	return &SymbolMutex{timeout: timeout, shards: shards}
}

// Lease 一次持有；Release 幂等
type Lease struct {
	key        domain.SymbolKey
	mu         *SymbolMutex
	entry      *lockEntry
	acquiredAt time.Time
	released   atomic.Bool
}

// Key 租约对应的键
func (l *Lease) Key() domain.SymbolKey { return l.key }

// Held 持有时长
func (l *Lease) Held() time.Duration { return time.Since(l.acquiredAt) }

// Release 释放租约；重复释放为空操作
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	<-l.entry.token
	l.mu.unref(l.key, l.entry)
}

// Acquire 阻塞直到拿到 key 的租约，或超时/ctx 取消返回 LockTimeout。
func (s *SymbolMutex) Acquire(ctx context.Context, key domain.SymbolKey) (*Lease, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if !ok {
		e = &lockEntry{token: make(chan struct{}, 1)}
		sh.m[key] = e
	}
	e.refs++
	sh.mu.Unlock()

	// 快路径：无竞争时不创建 timer
	select {
	case e.token <- struct{}{}:
		return &Lease{key: key, mu: s, entry: e, acquiredAt: time.Now()}, nil
	default:
	}

	waitCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	select {
	case e.token <- struct{}{}:
		return &Lease{key: key, mu: s, entry: e, acquiredAt: time.Now()}, nil
	case <-waitCtx.Done():
		s.unref(key, e)
		return nil, domain.NewLockTimeout(key, waitCtx.Err())
	}
}

// Len 当前锁表中的条目数（持有或等待中）
func (s *SymbolMutex) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

func (s *SymbolMutex) unref(key domain.SymbolKey, e *lockEntry) {
	sh := s.shard(key)
	sh.mu.Lock()
	e.refs--
	if e.refs <= 0 && sh.m[key] == e {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
}

func (s *SymbolMutex) shard(key domain.SymbolKey) *lockShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.OwnerID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key.Symbol))
	idx := h.Sum32() % uint32(len(s.shards))
	return &s.shards[idx]
}
