package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters/histograms for calendar mutations,
// conflict detection and drag sessions.
type SchedulingMetrics struct {
	conflictsDetected  *prometheus.CounterVec
	validationFailures *prometheus.CounterVec
	dragOutcomes       *prometheus.CounterVec
	commitDuration     *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calendar",
			Subsystem: "scheduling",
			Name:      "conflicts_detected_total",
			Help:      "Conflicting bookings found, by the check that found them",
		}, []string{"source"}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calendar",
			Subsystem: "scheduling",
			Name:      "validation_failures_total",
			Help:      "Appointment mutations rejected by business rules",
		}, []string{"operation"}),
		dragOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calendar",
			Subsystem: "dragdrop",
			Name:      "outcomes_total",
			Help:      "Finished drag sessions by outcome",
		}, []string{"outcome"}),
		commitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calendar",
			Subsystem: "scheduling",
			Name:      "commit_duration_seconds",
			Help:      "Latency of calendar writes including the conflict re-check",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.conflictsDetected, m.validationFailures, m.dragOutcomes, m.commitDuration)
	return m
}

func (m *SchedulingMetrics) ObserveConflicts(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflictsDetected.WithLabelValues(source).Add(float64(n))
}

func (m *SchedulingMetrics) ObserveValidationFailure(operation string) {
	if m == nil {
		return
	}
	m.validationFailures.WithLabelValues(operation).Inc()
}

func (m *SchedulingMetrics) ObserveDragOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dragOutcomes.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveCommit(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.commitDuration.WithLabelValues(operation).Observe(seconds)
}
