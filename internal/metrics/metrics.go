package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels completed analysis passes.
	OutcomeSuccess = "success"
	// OutcomeError labels passes that failed on a pipeline or dependency error.
	OutcomeError = "error"
)

var (
	passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "analysis_passes_total",
			Help:      "Total number of analysis passes, partitioned by application and outcome.",
		},
		[]string{"application", "outcome"},
	)

	passDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "faultline",
			Name:      "analysis_pass_seconds",
			Help:      "Analysis pass latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
	)

	entriesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "entries_ingested_total",
			Help:      "Error entries ingested, partitioned by application.",
		},
		[]string{"application"},
	)

	clustersCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "clusters_created_total",
			Help:      "New clusters created by the assignment pass.",
		},
		[]string{"application"},
	)

	patternsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "patterns_detected_total",
			Help:      "Patterns reported by detection passes, partitioned by type.",
		},
		[]string{"application", "type"},
	)

	alertsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "faultline",
			Name:      "alerts_dispatched_total",
			Help:      "Actionable alerts dispatched, partitioned by severity.",
		},
		[]string{"application", "severity"},
	)
)

// Register attaches faultline collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		passesTotal,
		passDurationSeconds,
		entriesIngestedTotal,
		clustersCreatedTotal,
		patternsDetectedTotal,
		alertsDispatchedTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePass records an analysis pass duration and outcome.
func ObservePass(application string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	passesTotal.WithLabelValues(application, label).Inc()
	if duration < 0 {
		duration = 0
	}
	passDurationSeconds.Observe(duration.Seconds())
}

// CountIngested records entries accepted from the source.
func CountIngested(application string, count int) {
	if count > 0 {
		entriesIngestedTotal.WithLabelValues(application).Add(float64(count))
	}
}

// CountClustersCreated records clusters founded during assignment.
func CountClustersCreated(application string, count int) {
	if count > 0 {
		clustersCreatedTotal.WithLabelValues(application).Add(float64(count))
	}
}

// CountPattern records one detected pattern by type.
func CountPattern(application, patternType string) {
	patternsDetectedTotal.WithLabelValues(application, patternType).Inc()
}

// CountAlert records one dispatched alert by severity.
func CountAlert(application, severity string) {
	alertsDispatchedTotal.WithLabelValues(application, severity).Inc()
}
