package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "dupe"

// Metrics of the mutation engine. A nil *Metrics records nothing.
type Metrics struct {
	// Events counts reported mutation events by entity and verb.
	Events *prometheus.CounterVec
	// Rows counts rows written by table and operation.
	Rows *prometheus.CounterVec
	// Duration of bulk operations in seconds.
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics with reg under namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutation_events_total",
				Help:      "Total number of mutation events reported",
			},
			[]string{"entity", "verb"},
		),
		Rows: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_rows_total",
				Help:      "Total number of rows written by the bulk engine",
			},
			[]string{"table", "op"},
		),
		Duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bulk_duration_seconds",
				Help:      "Duration of bulk operations in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),
	}
}

// Event counts one mutation event.
func (m *Metrics) Event(entity, verb string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(entity, verb).Inc()
}

// RowsWritten adds n rows written to table by op.
func (m *Metrics) RowsWritten(table, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Rows.WithLabelValues(table, op).Add(float64(n))
}

// Observe records the duration of op in seconds.
func (m *Metrics) Observe(op string, seconds float64) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(op).Observe(seconds)
}
