package throttle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	settlements   *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
}

// NewMetrics registers the throttle collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "throttle",
				Name:      "decisions_total",
				Help:      "Total number of admission decisions",
			},
			[]string{"scope", "outcome"},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "throttle",
				Name:      "settlements_total",
				Help:      "Total number of charge-on-success settlements",
			},
			[]string{"scope", "result"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "gateway",
				Subsystem: "throttle",
				Name:      "store_errors_total",
				Help:      "Total number of counter store failures",
			},
			[]string{"operation"},
		),
		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "gateway",
				Subsystem: "throttle",
				Name:      "check_duration_seconds",
				Help:      "Time spent deciding admission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"scope"},
		),
	}
}

func (m *Metrics) observeDecision(scope, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(scope, outcome).Inc()
	m.checkDuration.WithLabelValues(scope).Observe(elapsed.Seconds())
}

func (m *Metrics) observeSettlement(scope, result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) observeStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}
