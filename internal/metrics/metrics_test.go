package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSchedulingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSchedulingMetrics(reg)

	m.ObserveConflicts("create", 2)
	m.ObserveConflicts("create", 0)
	m.ObserveValidationFailure("reschedule")
	m.ObserveDragOutcome("committed")
	m.ObserveCommit("create", 0.02)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.conflictsDetected.WithLabelValues("create")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationFailures.WithLabelValues("reschedule")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dragOutcomes.WithLabelValues("committed")))
}

func TestSchedulingMetricsNilSafe(t *testing.T) {
	var m *SchedulingMetrics
	m.ObserveConflicts("create", 1)
	m.ObserveValidationFailure("create")
	m.ObserveDragOutcome("cancelled")
	m.ObserveCommit("resize", 1)
}
