package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()
	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.Greater(t, second, first)
}

func TestObserveDurationRecordsIntoHistogram(t *testing.T) {
	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_step_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(histogram)

	var m dto.Metric
	require.NoError(t, histogram.Write(&m))
	assert.Equal(t, uint64(1), m.GetHistogram().GetSampleCount())
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleSum(), 0.01)
}

func TestObserveDurationVecRecordsPerStepLabel(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_step_duration_vec_seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	NewTimer().ObserveDurationVec(vec, "StartTablesync")
	NewTimer().ObserveDurationVec(vec, "StartTablesync")
	NewTimer().ObserveDurationVec(vec, "Finalize")

	h, err := vec.GetMetricWithLabelValues("StartTablesync")
	require.NoError(t, err)

	var m dto.Metric
	require.NoError(t, h.(prometheus.Histogram).Write(&m))
	assert.Equal(t, uint64(2), m.GetHistogram().GetSampleCount())
}
