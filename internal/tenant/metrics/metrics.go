package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the reference resource tree.
// Methods are safe to call on a nil *Metrics.
type Metrics struct {
	Mutations        *prometheus.CounterVec
	MutationDuration prometheus.Histogram
	BatchSize        prometheus.Histogram
}

// New creates tree metrics registered with reg. A nil reg registers with the
// default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Mutations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_tree_mutations_total",
			Help: "Total number of committed resource tree mutations, by resource and action",
		}, []string{"resource", "action"}),
		MutationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronicle_tree_mutation_duration_seconds",
			Help:    "Duration of resource tree mutations including history capture",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chronicle_tree_batch_requests",
			Help:    "Number of sub-requests per batch",
			Buckets: []float64{1, 2, 5, 10, 25},
		}),
	}
}

// IncrementMutation records a committed mutation.
func (m *Metrics) IncrementMutation(resource, action string) {
	if m == nil {
		return
	}
	m.Mutations.WithLabelValues(resource, action).Inc()
}

// ObserveMutation records the duration of a mutation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveMutation(start time.Time) {
	if m == nil {
		return
	}
	m.MutationDuration.Observe(time.Since(start).Seconds())
}

// ObserveBatch records the size of a batch.
func (m *Metrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(size))
}
