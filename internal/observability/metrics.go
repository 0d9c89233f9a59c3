package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the signaling core's Prometheus metrics.
//
// Tracked surfaces:
//   - connection registry population and evictions
//   - message pipeline outcomes (delivered, queued, deduplicated, failed)
//   - call state machine transitions by target status
//   - offline queue depth and drops
//   - resource governor sweep durations and reclaimed entries
type Metrics struct {
	// ActiveConnections is the current registry population.
	ActiveConnections prometheus.Gauge

	// ConnectionEvents counts register/unregister/supersede/evict operations.
	// Labels: op (register|unregister|supersede|evict)
	ConnectionEvents *prometheus.CounterVec

	// Messages counts pipeline outcomes.
	// Labels: outcome (delivered|queued|duplicate|rejected|failed)
	Messages *prometheus.CounterVec

	// CallTransitions counts state machine transitions.
	// Labels: to (ringing|answered|completed|missed|declined|cancelled)
	CallTransitions *prometheus.CounterVec

	// ActiveCalls is the number of non-terminal calls.
	ActiveCalls prometheus.Gauge

	// OfflineQueued is the total number of queued offline messages.
	OfflineQueued prometheus.Gauge

	// OfflineDropped counts offline entries lost to caps and TTLs.
	// Labels: reason (overflow|expired|user_evicted)
	OfflineDropped *prometheus.CounterVec

	// SweepDuration measures governor sweep latency in seconds.
	// Labels: sweep (calls|offline|health|reconcile)
	SweepDuration *prometheus.HistogramVec

	// SweepReclaimed counts entries removed by sweeps.
	// Labels: sweep
	SweepReclaimed *prometheus.CounterVec

	// RateLimited counts operations rejected by the rate limiter.
	// Labels: action
	RateLimited *prometheus.CounterVec

	// MemoryPressure is 1 while the governor runs in pressure mode.
	MemoryPressure prometheus.Gauge
}

// NewMetrics registers and returns the metric set on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_active_connections",
			Help: "Current number of registered connections.",
		}),
		ConnectionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_connection_events_total",
			Help: "Connection registry operations.",
		}, []string{"op"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_messages_total",
			Help: "Message pipeline outcomes.",
		}, []string{"outcome"}),
		CallTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_call_transitions_total",
			Help: "Call state machine transitions by target status.",
		}, []string{"to"}),
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_active_calls",
			Help: "Current number of non-terminal calls.",
		}),
		OfflineQueued: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_offline_queued_messages",
			Help: "Messages currently waiting in offline queues.",
		}),
		OfflineDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_offline_dropped_total",
			Help: "Offline queue entries dropped by caps and TTLs.",
		}, []string{"reason"}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beacon_sweep_duration_seconds",
			Help:    "Resource governor sweep latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"sweep"}),
		SweepReclaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_sweep_reclaimed_total",
			Help: "Entries removed by governor sweeps.",
		}, []string{"sweep"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "beacon_rate_limited_total",
			Help: "Operations rejected by the rate limiter.",
		}, []string{"action"}),
		MemoryPressure: factory.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_memory_pressure",
			Help: "1 while the governor applies pressure-mode thresholds.",
		}),
	}
}

// NewTestMetrics returns a metric set on a private registry, for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
