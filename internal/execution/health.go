package execution

import (
	"context"

	"github.com/betbot/ordercore/internal/domain"
	"github.com/betbot/ordercore/internal/risk"
	"github.com/betbot/ordercore/internal/stats"
)

// Health 健康检查数据
type Health struct {
	BrokerConnected bool              `json:"broker_connected"`
	Breaker         risk.BreakerState `json:"breaker"`
	Stats           stats.Snapshot    `json:"stats"`
	ActiveLocks     int               `json:"active_locks"`
	PendingExits    int64             `json:"pending_exits"`
	Orders          int               `json:"orders"`
	Awaiting        int               `json:"awaiting_reconciliation"`
	OpenPositions   int               `json:"open_positions"`
	Closed          bool              `json:"closed"`
	// 持久化失败不回滚内存状态，只在这里暴露
	RepoErrors    int64  `json:"repo_errors"`
	LastRepoError string `json:"last_repo_error,omitempty"`
}

// HealthCheck 汇总执行器状态；券商未连接或断路器打开时 Success=false
func (a *Agent) HealthCheck(ctx context.Context) domain.Result[Health] {
	started := a.now()
	h := Health{
		BrokerConnected: a.broker.IsConnected(),
		Breaker:         a.risk.Breaker().State(),
		Stats:           a.stats.Snapshot(),
		ActiveLocks:     a.locks.Len(),
		PendingExits:    a.pending.Load(),
		OpenPositions:   len(a.positions.ListOpen("")),
		Closed:          a.closed.Load(),
		RepoErrors:      a.repoErrors.Load(),
	}
	if msg, ok := a.lastRepoErr.Load().(string); ok {
		h.LastRepoError = msg
	}
	a.mu.RLock()
	h.Orders = len(a.orders)
	for _, e := range a.orders {
		if e.order.Status == domain.OrderStatusAwaitingReconciliation {
			h.Awaiting++
		}
	}
	a.mu.RUnlock()

	var err error
	switch {
	case h.Closed:
		err = ErrAgentClosed
	case !h.BrokerConnected:
		err = domain.NewNotConnected("broker session absent")
	case h.Breaker.Halted:
		err = domain.NewCircuitOpen(risk.ErrCircuitBreakerOpen)
	}
	return domain.NewResult(h, err, started)
}
