package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/ordercore/internal/domain"
)

// PriceUpdateHandler is the single entry point for market data, push or pull.
//
// NOTE: defined in this neutral package so marketdata does not import execution.
type PriceUpdateHandler interface {
	OnPriceUpdate(ctx context.Context, symbol string, price decimal.Decimal)
}

// PriceBook keeps the last known price per symbol; market orders use it as the
// reference price for the leverage check.
type PriceBook interface {
	Update(symbol string, price decimal.Decimal, at time.Time)
	Last(symbol string) (decimal.Decimal, bool)
}

// OrderRepository persists order state transitions.
type OrderRepository interface {
	SaveOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, ownerID, symbol string) ([]*domain.Order, error)
}

// PositionRepository persists position state keyed by id and by (owner, symbol).
type PositionRepository interface {
	SavePosition(ctx context.Context, pos *domain.Position) error
	GetPosition(ctx context.Context, id string) (*domain.Position, error)
	GetOpenPosition(ctx context.Context, ownerID, symbol string) (*domain.Position, error)
	ListOpenPositions(ctx context.Context, ownerID string) ([]*domain.Position, error)
}
