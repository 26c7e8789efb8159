package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/betbot/ordercore/internal/domain"
)

// MemoryStore 进程内存储（测试与 paper 模式）
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*domain.Order
	positions map[string]*domain.Position
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*domain.Order),
		positions: make(map[string]*domain.Position),
	}
}

func (s *MemoryStore) SaveOrder(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	s.orders[order.ID] = order.Clone()
	s.mu.Unlock()
	return nil
}

// GetOrder 不存在时返回 (nil, nil)
func (s *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orders[id].Clone(), nil
}

func (s *MemoryStore) ListOrders(_ context.Context, ownerID, symbol string) ([]*domain.Order, error) {
	s.mu.RLock()
	out := make([]*domain.Order, 0)
	for _, o := range s.orders {
		if matchKey(o.OwnerID, o.Symbol, ownerID, symbol) {
			out = append(out, o.Clone())
		}
	}
	s.mu.RUnlock()
	sortOrders(out)
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, pos *domain.Position) error {
	s.mu.Lock()
	s.positions[pos.ID] = pos.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[id].Clone(), nil
}

func (s *MemoryStore) GetOpenPosition(_ context.Context, ownerID, symbol string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.positions {
		if p.OwnerID == ownerID && p.Symbol == symbol && p.IsOpen() {
			return p.Clone(), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context, ownerID string) ([]*domain.Position, error) {
	s.mu.RLock()
	out := make([]*domain.Position, 0)
	for _, p := range s.positions {
		if p.IsOpen() && (ownerID == "" || p.OwnerID == ownerID) {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// matchKey 空 owner/symbol 表示不过滤
func matchKey(owner, symbol, wantOwner, wantSymbol string) bool {
	if wantOwner != "" && owner != wantOwner {
		return false
	}
	return wantSymbol == "" || symbol == wantSymbol
}

func sortOrders(out []*domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

func sortPositions(out []*domain.Position) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].OwnerID != out[j].OwnerID {
			return out[i].OwnerID < out[j].OwnerID
		}
		return out[i].Symbol < out[j].Symbol
	})
}
