package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BatchCommitDuration measures how long one parser batch takes from first
// decode to commit. The 'path' label distinguishes the bulk fast path from
// the per-row fallback.
var BatchCommitDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "batch_commit_duration_seconds",
		Help:    "Duration of parser batch commits in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
	},
	[]string{"kind", "path"},
)

// APICallDuration measures outbound Tumblr API calls, pacing sleep excluded.
var APICallDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "api_call_duration_seconds",
		Help:    "Duration of remote API calls in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	},
	[]string{"endpoint"},
)

// QueueSize tracks the depth of each broker queue. Updated by the stats
// exporter on a fixed schedule; the gauge names match the old Node exporter
// so existing dashboards keep working.
var QueueSize = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "queue_size",
		Help: "Size of each internal queue",
	},
	[]string{"queue"},
)

// WorkerPosts exposes the best-effort per-worker record counts from the
// work_stats hash.
var WorkerPosts = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "worker_posts",
		Help: "Posts sent by each worker",
	},
	[]string{"worker"},
)

// StagedRecords counts records pushed into the staging queues by fetchers.
var StagedRecords = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "staged_records_total",
		Help: "Records pushed into staging queues",
	},
	[]string{"kind"},
)

// DroppedRecords counts staging payloads discarded as undecodable.
var DroppedRecords = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dropped_records_total",
		Help: "Staging payloads dropped as malformed",
	},
	[]string{"kind"},
)
