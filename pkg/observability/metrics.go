// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for conversation sessions.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event sources.
const (
	SourceTranscription = "transcription"
	SourceData          = "data"
	SourceOutbound      = "outbound"
	SourceSystem        = "system"
	// SourceBroker counts changes received from the event channel.
	SourceBroker = "broker"
)

// Event outcomes. Appended, updated and finalized mirror the log change
// kinds; ignored covers filtered envelopes and blank input.
const (
	OutcomeAppended  = "appended"
	OutcomeUpdated   = "updated"
	OutcomeFinalized = "finalized"
	OutcomeIgnored   = "ignored"
)

// Sink names.
const (
	SinkPostgres    = "postgres"
	SinkRedis       = "redis"
	SinkDataChannel = "data_channel"
)

// Metrics holds the Prometheus collectors for conversation sessions.
type Metrics struct {
	EventsTotal      *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	BufferDepth      prometheus.Gauge
	PersistedTotal   *prometheus.CounterVec
	PersistSeconds   prometheus.Histogram
	DeliveryFailures *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convlog_events_total",
				Help: "Events applied to conversation logs by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "convlog_session_queue_depth",
				Help: "Events waiting for the session loop",
			},
		),
		BufferDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "convlog_recorder_buffer_depth",
				Help: "Finalized messages buffered by the recorder",
			},
		),
		PersistedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convlog_persisted_messages_total",
				Help: "Finalized messages handed to storage by status",
			},
			[]string{"status"},
		),
		PersistSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "convlog_persist_seconds",
				Help:    "Latency of message batch writes",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		),
		DeliveryFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convlog_delivery_failures_total",
				Help: "Failed deliveries to downstream sinks by sink and error code",
			},
			[]string{"sink", "code"},
		),
	}
}

// RecordEvent counts one applied event. A nil receiver is a no-op.
func (m *Metrics) RecordEvent(source, outcome string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(source, outcome).Inc()
}

// RecordDeliveryFailure counts one failed sink delivery.
func (m *Metrics) RecordDeliveryFailure(sink, code string) {
	if m == nil {
		return
	}
	m.DeliveryFailures.WithLabelValues(sink, code).Inc()
}

// RecordPersisted counts messages written or dropped by the recorder.
func (m *Metrics) RecordPersisted(status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PersistedTotal.WithLabelValues(status).Add(float64(n))
}

// ObservePersist records the duration of one batch write.
func (m *Metrics) ObservePersist(seconds float64) {
	if m == nil {
		return
	}
	m.PersistSeconds.Observe(seconds)
}

// SetQueueDepth records the current session queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetBufferDepth records the current recorder buffer length.
func (m *Metrics) SetBufferDepth(n int) {
	if m == nil {
		return
	}
	m.BufferDepth.Set(float64(n))
}
