package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics exposes counters/histograms for the call pipeline.
type PipelineMetrics struct {
	schedulerTicks      *prometheus.CounterVec
	missedMinutes       prometheus.Counter
	dueCalls            *prometheus.CounterVec
	dispatchTotal       *prometheus.CounterVec
	dispatchLatency     prometheus.Histogram
	inFlight            prometheus.Gauge
	webhookTotal        *prometheus.CounterVec
	transitionsRejected *prometheus.CounterVec
	retriesTotal        *prometheus.CounterVec
	notificationsTotal  *prometheus.CounterVec
}

func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		schedulerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks by outcome",
		}, []string{"outcome"}),
		missedMinutes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "scheduler",
			Name:      "missed_minutes_total",
			Help:      "Wall-clock minutes no tick evaluated",
		}),
		dueCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "scheduler",
			Name:      "due_calls_total",
			Help:      "Worklist entries produced by the scheduler",
		}, []string{"timing"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "orchestrator",
			Name:      "dispatch_total",
			Help:      "Provider dispatch attempts by outcome",
		}, []string{"outcome"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "adherence",
			Subsystem: "orchestrator",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency of provider start-call requests",
			Buckets:   prometheus.DefBuckets,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "adherence",
			Subsystem: "orchestrator",
			Name:      "dispatch_in_flight",
			Help:      "Dispatches currently awaiting the provider",
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "webhook",
			Name:      "received_total",
			Help:      "Inbound provider webhooks by kind and outcome",
		}, []string{"kind", "outcome"}),
		transitionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "calls",
			Name:      "transitions_rejected_total",
			Help:      "Call status transitions refused by the lifecycle table",
		}, []string{"from", "event"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "retry",
			Name:      "total",
			Help:      "Retry handler decisions",
		}, []string{"outcome"}),
		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adherence",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Payer notifications by kind, channel and status",
		}, []string{"kind", "channel", "status"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.schedulerTicks, m.missedMinutes, m.dueCalls,
		m.dispatchTotal, m.dispatchLatency, m.inFlight,
		m.webhookTotal, m.transitionsRejected, m.retriesTotal, m.notificationsTotal,
	)
	return m
}

func (m *PipelineMetrics) ObserveTick(outcome string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) AddMissedMinutes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.missedMinutes.Add(float64(n))
}

func (m *PipelineMetrics) ObserveDue(timing string) {
	if m == nil {
		return
	}
	m.dueCalls.WithLabelValues(timing).Inc()
}

func (m *PipelineMetrics) ObserveDispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.dispatchLatency.Observe(elapsed.Seconds())
	}
}

// TrackInFlight bumps the gauge and returns the matching decrement.
func (m *PipelineMetrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func (m *PipelineMetrics) ObserveWebhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *PipelineMetrics) ObserveRejectedTransition(from, event string) {
	if m == nil {
		return
	}
	m.transitionsRejected.WithLabelValues(from, event).Inc()
}

func (m *PipelineMetrics) ObserveRetry(outcome string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(outcome).Inc()
}

func (m *PipelineMetrics) ObserveNotification(kind, channel, status string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(kind, channel, status).Inc()
}
