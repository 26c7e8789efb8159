package ports

import (
	"context"

	"github.com/betbot/ordercore/internal/domain"
)

// Small capability interfaces shared across layers (execution/broker/api).
//
// Every broker call may time out, fail transiently or partially fill; callers
// must treat the boundary as unreliable.

type Connector interface {
	Connect(ctx context.Context, creds domain.Credentials) (*domain.ConnectionResult, error)
	IsConnected() bool
}

type OrderPlacer interface {
	// SubmitOrder places the order; order.ID is the idempotency key.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.BrokerReport, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderID string) (bool, error)
}

type OrderStatusGetter interface {
	GetOrderStatus(ctx context.Context, orderID string) (*domain.BrokerReport, error)
}

// Broker is the full adapter contract consumed by the execution core.
type Broker interface {
	Connector
	OrderPlacer
	OrderCanceler
	OrderStatusGetter
}
