package metrics

import "expvar"

// 进程级计数，/debug/vars 可见
var (
	ReconcileRuns   = expvar.NewInt("reconcile_runs")
	ReconcileOrders = expvar.NewInt("reconcile_orders")
	PriceTicks      = expvar.NewInt("price_ticks")
	SnapshotSaves   = expvar.NewInt("ledger_snapshot_saves")
	SnapshotLoads   = expvar.NewInt("ledger_snapshot_loads")
)
