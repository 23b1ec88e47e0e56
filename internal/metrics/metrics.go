package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var OrdersCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "orders_created_total",
	Help:      "Total number of grid entry orders submitted to the exchange",
})

var OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "orders_cancelled_total",
	Help:      "Total number of entry orders cancelled",
})

var OrdersFilled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "orders_filled_total",
	Help:      "Total number of entry orders observed filled",
})

var TpHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "tp_hits_total",
	Help:      "Total number of positions closed by take-profit",
})

var TPAdjustments = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "tp_adjustments_total",
	Help:      "Total number of funding-driven take-profit adjustments applied",
})

var CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "cycle_errors_total",
	Help:      "Total number of coordination cycles that ended with an error",
})

var RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "realized_pnl",
	Help:      "Cumulative realized PnL in quote currency",
})

var WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "ws",
	Name:      "reconnects_total",
	Help:      "WebSocket reconnect attempts by stream",
}, []string{"stream"})

var ReconcilerFixes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gridbot",
	Subsystem: "trading",
	Name:      "reconciler_fixes_total",
	Help:      "Reconciliation fixes by category (attached, closed)",
}, []string{"category"})
