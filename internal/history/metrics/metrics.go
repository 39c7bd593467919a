package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the history module.
// Tracks captured entries, query latency and change-feed delivery.
// Methods are safe to call on a nil *Metrics.
type Metrics struct {
	EntriesAppended *prometheus.CounterVec
	CaptureFailures prometheus.Counter
	QueryDuration   prometheus.Histogram
	QueryDenied     *prometheus.CounterVec
	FeedPublished   prometheus.Counter
	FeedFailures    prometheus.Counter
}

// New creates history metrics registered with reg. A nil reg registers with
// the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_history_entries_appended_total",
			Help: "Total number of history entries captured, by action and resource",
		}, []string{"action", "resource"}),
		CaptureFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_history_capture_failures_total",
			Help: "Total number of mutations rejected because their history entry could not be built",
		}),
		QueryDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronicle_history_query_duration_seconds",
			Help:    "Duration of history queries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		QueryDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_history_query_denied_total",
			Help: "Total number of history reads denied, by reason",
		}, []string{"reason"}),
		FeedPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_history_feed_published_total",
			Help: "Total number of history entries published to the change feed",
		}),
		FeedFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chronicle_history_feed_failures_total",
			Help: "Total number of failed change-feed relay rounds",
		}),
	}
}

// IncrementAppended records a captured entry.
func (m *Metrics) IncrementAppended(action, resource string) {
	if m == nil {
		return
	}
	m.EntriesAppended.WithLabelValues(action, resource).Inc()
}

// IncrementCaptureFailure records a rejected mutation event.
func (m *Metrics) IncrementCaptureFailure() {
	if m == nil {
		return
	}
	m.CaptureFailures.Inc()
}

// ObserveQuery records the duration of a query.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveQuery(start time.Time) {
	if m == nil {
		return
	}
	m.QueryDuration.Observe(time.Since(start).Seconds())
}

// IncrementDenied records a refused history read.
func (m *Metrics) IncrementDenied(reason string) {
	if m == nil {
		return
	}
	m.QueryDenied.WithLabelValues(reason).Inc()
}

// AddFeedPublished records entries delivered to the change feed.
func (m *Metrics) AddFeedPublished(n int) {
	if m == nil {
		return
	}
	m.FeedPublished.Add(float64(n))
}

// IncrementFeedFailure records a failed relay round.
func (m *Metrics) IncrementFeedFailure() {
	if m == nil {
		return
	}
	m.FeedFailures.Inc()
}
