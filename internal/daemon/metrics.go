package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the daemon's instrumentation, registered on its own
// registry so several daemons (tests, embedded use) never collide on
// the global one. The dashboard server serves it at /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	// RefChanges counts raw watcher events that mapped to a ref.
	RefChanges prometheus.Counter

	// Resyncs counts completed periodic index rebuilds.
	Resyncs prometheus.Counter

	// Mutations counts republished entity changes by kind and op.
	Mutations *prometheus.CounterVec

	// SyncOutcomes counts per-ref sync results by direction and status.
	SyncOutcomes *prometheus.CounterVec

	// Conflicts counts conflict records announced on the bus.
	Conflicts prometheus.Counter

	// ConnectedClients tracks live websocket subscribers.
	ConnectedClients prometheus.Gauge
}

// NewMetrics builds a metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		RefChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "ref_changes_total",
			Help:      "Filesystem events that mapped to a tracked ref.",
		}),
		Resyncs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "index_resyncs_total",
			Help:      "Completed periodic full index rebuilds.",
		}),
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "mutations_total",
			Help:      "Entity mutations observed on the event bus.",
		}, []string{"kind", "op"}),
		SyncOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "sync_outcomes_total",
			Help:      "Per-ref sync results observed on the event bus.",
		}, []string{"direction", "status"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "conflicts_total",
			Help:      "Conflict records announced on the event bus.",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "odi",
			Subsystem: "daemon",
			Name:      "dashboard_clients",
			Help:      "Currently connected websocket clients.",
		}),
	}
}
