package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineMetricsCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)

	m.AddMissedMinutes(3)
	m.AddMissedMinutes(0)
	m.ObserveDispatch("accepted", 20*time.Millisecond)
	m.ObserveDispatch("rejected", 0)
	m.ObserveRejectedTransition("completed", "no_answer")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.missedMinutes))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionsRejected.WithLabelValues("completed", "no_answer")))

	done := m.TrackInFlight()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *PipelineMetrics
	m.ObserveTick("processed")
	m.ObserveWebhook("post_call", "ok")
	m.TrackInFlight()()
}
