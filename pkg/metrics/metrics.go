// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics bundles every instrument the server records. Fields are used
// directly by the owning components; everything is safe for concurrent
// use.
type Metrics struct {
	// Socket and session population.
	ConnectedSockets prometheus.Gauge
	ActiveSessions   prometheus.Gauge

	// Commit pipeline.
	QueuedBatches     prometheus.Gauge
	CommittedBatches  prometheus.Counter
	ConflictedBatches prometheus.Counter
	FailedBatches     prometheus.Counter
	CommitRetries     prometheus.Counter
	CommitDuration    prometheus.Histogram

	// Fan-out and presence.
	BroadcastEvents   *prometheus.CounterVec
	PresenceEvictions prometheus.Counter
}

// New registers all instruments with the given registry. A nil registry
// uses the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedSockets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sockets",
			Help:      "Open WebSocket connections",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live collaboration sessions",
		}),
		QueuedBatches: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queued_batches",
			Help:      "Operation batches waiting in per-project commit queues",
		}),
		CommittedBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_committed_total",
			Help:      "Operation batches committed",
		}),
		ConflictedBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_conflicted_total",
			Help:      "Operation batches rejected by the version gate",
		}),
		FailedBatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_failed_total",
			Help:      "Operation batches that failed after exhausting retries",
		}),
		CommitRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_retries_total",
			Help:      "Retries of retryable storage failures during commit",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Wall time from batch dequeue to persisted commit",
			Buckets:   prometheus.DefBuckets,
		}),
		BroadcastEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_total",
			Help:      "Events fanned out to project rooms",
		}, []string{"origin"}), // origin: local, remote
		PresenceEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_evictions_total",
			Help:      "Layer presence entries dropped by the inactivity sweep",
		}),
	}
}
