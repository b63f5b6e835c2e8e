package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "activity_sync"

// Recorder holds the sync run collectors on a private registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	runs        *prometheus.CounterVec
	accounts    *prometheus.CounterVec
	upserted    prometheus.Counter
	tombstoned  prometheus.Counter
	replies     prometheus.Counter
	runDuration prometheus.Histogram
	feedEntries prometheus.Histogram

	registry *prometheus.Registry
}

func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Sync runs by result",
		},
		[]string{"result"},
	)
	r.accounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accounts_total",
			Help:      "Accounts processed by outcome",
		},
		[]string{"outcome"},
	)
	r.upserted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activities_upserted_total",
		Help:      "Activities written by sync runs",
	})
	r.tombstoned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activities_tombstoned_total",
		Help:      "Stored activities marked deleted",
	})
	r.replies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_resolved_total",
		Help:      "Reply links resolved by the post-run pass",
	})
	r.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Wall time of a sync run",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	})
	r.feedEntries = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "feed_entries",
		Help:      "Entries per fetched feed",
		Buckets:   []float64{0, 10, 50, 100, 500, 1000, 2500, 5000},
	})

	r.registry.MustRegister(
		r.runs,
		r.accounts,
		r.upserted,
		r.tombstoned,
		r.replies,
		r.runDuration,
		r.feedEntries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordRun(result string, duration time.Duration) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(result).Inc()
	r.runDuration.Observe(duration.Seconds())
}

func (r *Recorder) RecordAccount(outcome string) {
	if r == nil {
		return
	}
	r.accounts.WithLabelValues(outcome).Inc()
}

func (r *Recorder) RecordFeedEntries(n int) {
	if r == nil {
		return
	}
	r.feedEntries.Observe(float64(n))
}

func (r *Recorder) AddUpserted(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.upserted.Add(float64(n))
}

func (r *Recorder) AddTombstoned(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.tombstoned.Add(float64(n))
}

func (r *Recorder) AddRepliesResolved(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.replies.Add(float64(n))
}
