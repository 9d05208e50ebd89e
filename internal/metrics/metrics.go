// Package metrics defines the platform's Prometheus metrics.
//
// Metric naming follows Prometheus conventions:
//   - shiplens_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncsTotal counts source syncs by source type and terminal status.
	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplens_syncs_total",
			Help: "Total number of source syncs by source type and status.",
		},
		[]string{"source_type", "status"},
	)

	// SyncDurationSeconds is a histogram of sync duration by source type.
	SyncDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiplens_sync_duration_seconds",
			Help:    "Duration of source syncs in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"source_type"},
	)

	// ItemsSyncedTotal counts work items written by source type.
	ItemsSyncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplens_items_synced_total",
			Help: "Total work items upserted by syncs.",
		},
		[]string{"source_type"},
	)

	// InsightCallsTotal counts AI provider calls by provider and outcome.
	InsightCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplens_insight_calls_total",
			Help: "Total AI provider calls by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	// JobsTotal counts queue job executions by task and status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiplens_jobs_total",
			Help: "Total queue job executions by task and status.",
		},
		[]string{"task", "status"},
	)

	// QueueDepth is the number of pending queue jobs.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiplens_queue_depth",
			Help: "Number of pending queue jobs.",
		},
	)

	// WebsocketSessions is the number of open dashboard sessions.
	WebsocketSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiplens_websocket_sessions",
			Help: "Number of open dashboard websocket sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SyncsTotal,
		SyncDurationSeconds,
		ItemsSyncedTotal,
		InsightCallsTotal,
		JobsTotal,
		QueueDepth,
		WebsocketSessions,
	)
}

// Handler serves the default registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSync records metrics for a finished sync.
func RecordSync(sourceType, status string, duration time.Duration, items int) {
	SyncsTotal.WithLabelValues(sourceType, status).Inc()
	SyncDurationSeconds.WithLabelValues(sourceType).Observe(duration.Seconds())
	ItemsSyncedTotal.WithLabelValues(sourceType).Add(float64(items))
}

// RecordInsightCall records one AI provider call.
func RecordInsightCall(provider, outcome string) {
	InsightCallsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordJob records one queue job execution.
func RecordJob(task, status string) {
	JobsTotal.WithLabelValues(task, status).Inc()
}

// PendingJobCounter polls a count source into the queue depth gauge
// until the context is done.
type pendingCounter interface {
	PendingJobCount() (int, error)
}

// WatchQueueDepth refreshes the queue depth gauge every interval.
func WatchQueueDepth(stop <-chan struct{}, src pendingCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n, err := src.PendingJobCount(); err == nil {
				QueueDepth.Set(float64(n))
			}
		}
	}
}
