package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/betbot/ordercore/internal/domain"
)

// BadgerStore KV 持久化。
//
// 键布局（\x00 分隔，owner/symbol 中不会出现）：
//
//	o\x00<id>                         -> order JSON
//	oi\x00<owner>\x00<symbol>\x00<id> -> 空（按 owner/symbol 列订单）
//	p\x00<id>                         -> position JSON
//	po\x00<owner>\x00<symbol>         -> 未关闭仓位 ID
type BadgerStore struct {
	db *badger.DB
}

const sep = "\x00"

func OpenBadger(path string) (*BadgerStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("badger: path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}
	return &BadgerStore{db: db}, nil
}

// openBadgerInMemory 测试用
func openBadgerInMemory() (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open badger in-memory")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func orderKey(id string) []byte { return []byte("o" + sep + id) }

func orderIndexPrefix(owner, symbol string) []byte {
	p := "oi" + sep
	if owner == "" {
		return []byte(p)
	}
	p += owner + sep
	if symbol != "" {
		p += symbol + sep
	}
	return []byte(p)
}

func positionKey(id string) []byte { return []byte("p" + sep + id) }

func openPositionKey(owner, symbol string) []byte {
	return []byte("po" + sep + owner + sep + symbol)
}

func (s *BadgerStore) SaveOrder(_ context.Context, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}
	idx := append(orderIndexPrefix(o.OwnerID, o.Symbol), []byte(o.ID)...)
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(orderKey(o.ID), data); err != nil {
			return err
		}
		return txn.Set(idx, nil)
	})
	return errors.Wrapf(err, "save order %s", o.ID)
}

func (s *BadgerStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	var out *domain.Order
	err := s.db.View(func(txn *badger.Txn) error {
		o, err := getJSON[domain.Order](txn, orderKey(id))
		out = o
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	return out, nil
}

func (s *BadgerStore) ListOrders(_ context.Context, ownerID, symbol string) ([]*domain.Order, error) {
	out := make([]*domain.Order, 0)
	prefix := orderIndexPrefix(ownerID, symbol)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := it.Item().Key()
			parts := bytes.Split(k, []byte(sep))
			// oi, owner, symbol, id
			if len(parts) != 4 {
				continue
			}
			if symbol != "" && string(parts[2]) != symbol {
				continue
			}
			o, err := getJSON[domain.Order](txn, orderKey(string(parts[3])))
			if err != nil {
				return err
			}
			if o != nil {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	sortOrders(out)
	return out, nil
}

func (s *BadgerStore) SavePosition(_ context.Context, p *domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(positionKey(p.ID), data); err != nil {
			return err
		}
		ok := openPositionKey(p.OwnerID, p.Symbol)
		if p.IsOpen() {
			return txn.Set(ok, []byte(p.ID))
		}
		// 只删除指向本仓位的索引
		item, err := txn.Get(ok)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(cur) == p.ID {
			return txn.Delete(ok)
		}
		return nil
	})
	return errors.Wrapf(err, "save position %s", p.ID)
}

func (s *BadgerStore) GetPosition(_ context.Context, id string) (*domain.Position, error) {
	var out *domain.Position
	err := s.db.View(func(txn *badger.Txn) error {
		p, err := getJSON[domain.Position](txn, positionKey(id))
		out = p
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get position %s", id)
	}
	return out, nil
}

func (s *BadgerStore) GetOpenPosition(_ context.Context, ownerID, symbol string) (*domain.Position, error) {
	var out *domain.Position
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(openPositionKey(ownerID, symbol))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getJSON[domain.Position](txn, positionKey(string(id)))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "get open position")
	}
	return out, nil
}

func (s *BadgerStore) ListOpenPositions(_ context.Context, ownerID string) ([]*domain.Position, error) {
	out := make([]*domain.Position, 0)
	prefix := []byte("po" + sep)
	if ownerID != "" {
		prefix = append(prefix, []byte(ownerID+sep)...)
	}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p, err := getJSON[domain.Position](txn, positionKey(string(id)))
			if err != nil {
				return err
			}
			if p != nil && p.IsOpen() {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list open positions")
	}
	sortPositions(out)
	return out, nil
}

// getJSON 不存在时返回 (nil, nil)
func getJSON[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}
