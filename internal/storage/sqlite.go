package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/betbot/ordercore/internal/domain"
)

// SQLiteStore 订单/仓位持久化（modernc sqlite，纯 Go）。
// 查询字段落列，完整对象以 JSON 存在 data 列。
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite: path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir db dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite：单连接更稳定
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  status TEXT NOT NULL,
  position_id TEXT,
  data TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_owner_symbol ON orders(owner_id, symbol, created_at);`,
		`
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  status TEXT NOT NULL,
  data TEXT NOT NULL,
  opened_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_owner_symbol ON positions(owner_id, symbol, status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate: %s", firstLine(stmt))
		}
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "marshal order")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO orders (id,owner_id,symbol,status,position_id,data,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  position_id=excluded.position_id,
  data=excluded.data,
  updated_at=excluded.updated_at
`, o.ID, o.OwnerID, o.Symbol, string(o.Status), o.PositionID, string(data),
		o.CreatedAt.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "save order %s", o.ID)
	}
	return nil
}

// GetOrder 不存在时返回 (nil, nil)
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM orders WHERE id=?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	var o domain.Order
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, errors.Wrapf(err, "decode order %s", id)
	}
	return &o, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context, ownerID, symbol string) ([]*domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT data FROM orders
WHERE (?='' OR owner_id=?) AND (?='' OR symbol=?)
ORDER BY created_at ASC, id ASC
`, ownerID, ownerID, symbol, symbol)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	defer rows.Close()

	out := make([]*domain.Order, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan order")
		}
		var o domain.Order
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, errors.Wrap(err, "decode order")
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal position")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO positions (id,owner_id,symbol,status,data,opened_at,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status,
  data=excluded.data,
  updated_at=excluded.updated_at
`, p.ID, p.OwnerID, p.Symbol, string(p.Status), string(data),
		p.OpenedAt.Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return errors.Wrapf(err, "save position %s", p.ID)
	}
	return nil
}

func (s *SQLiteStore) GetPosition(ctx context.Context, id string) (*domain.Position, error) {
	return s.queryPosition(ctx, `SELECT data FROM positions WHERE id=?`, id)
}

func (s *SQLiteStore) GetOpenPosition(ctx context.Context, ownerID, symbol string) (*domain.Position, error) {
	return s.queryPosition(ctx, `
SELECT data FROM positions
WHERE owner_id=? AND symbol=? AND status<>?
ORDER BY opened_at DESC LIMIT 1
`, ownerID, symbol, string(domain.PositionStatusClosed))
}

func (s *SQLiteStore) queryPosition(ctx context.Context, query string, args ...any) (*domain.Position, error) {
	var data string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get position")
	}
	var p domain.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, errors.Wrap(err, "decode position")
	}
	return &p, nil
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context, ownerID string) ([]*domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT data FROM positions
WHERE status<>? AND (?='' OR owner_id=?)
ORDER BY owner_id ASC, symbol ASC
`, string(domain.PositionStatusClosed), ownerID, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "list open positions")
	}
	defer rows.Close()

	out := make([]*domain.Position, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errors.Wrap(err, "scan position")
		}
		var p domain.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, errors.Wrap(err, "decode position")
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
