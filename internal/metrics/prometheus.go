package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice relay
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Upstream metrics
	UpstreamConnects *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec

	// Turn metrics
	Turns                *prometheus.CounterVec
	FirstAudioLatency    prometheus.Histogram
	TurnAudioBytes       prometheus.Histogram
	Fragments            prometheus.Counter
	StaleFragmentsDrop   prometheus.Counter
	NoResponseNotices    prometheus.Counter
	AggregatorAnomalies  *prometheus.CounterVec
	DroppedOutboundAudio prometheus.Counter

	// Capture metrics
	CodecFallbacks  prometheus.Counter
	SilentCaptures  prometheus.Counter
	CaptureDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all relay metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Current number of client sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of client sessions created",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_closed_total",
			Help: "Total number of client sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of client sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~34 minutes
		}),

		// Upstream metrics
		UpstreamConnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_connects_total",
			Help: "Upstream session attempts by result",
		}, []string{"result"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Upstream failures by kind",
		}, []string{"kind"}),

		// Turn metrics
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Finished turns by outcome",
		}, []string{"outcome"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_first_audio_latency_seconds",
			Help:    "Time from user turn submission to the first model audio fragment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		TurnAudioBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_turn_audio_bytes",
			Help:    "Size of aggregated model audio per completed turn",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 12), // 4KB to ~8MB
		}),
		Fragments: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_fragments_total",
			Help: "Total number of model audio fragments forwarded",
		}),
		StaleFragmentsDrop: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_stale_fragments_dropped_total",
			Help: "Model audio fragments of interrupted turns dropped on arrival",
		}),
		NoResponseNotices: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_no_response_total",
			Help: "Response deadlines that expired before any model audio",
		}),
		AggregatorAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_aggregator_anomalies_total",
			Help: "Fragment sequence gaps and rejections",
		}, []string{"kind"}),
		DroppedOutboundAudio: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbound_audio_dropped_total",
			Help: "Queued audio events discarded by an interrupt before delivery",
		}),

		// Capture metrics
		CodecFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_codec_fallbacks_total",
			Help: "Captures replaced with silence after a decode failure",
		}),
		SilentCaptures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_silent_captures_total",
			Help: "User captures with no detected voice activity",
		}),
		CaptureDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_capture_duration_seconds",
			Help:    "Duration of user captures after canonicalization",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// A nil *Metrics is valid and records nothing, so components can run
// without a registry in tests.

// SessionCreated records a new session
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

// SessionClosed records a closed session and its duration
func (m *Metrics) SessionClosed(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordUpstreamConnect records an upstream connection attempt result
func (m *Metrics) RecordUpstreamConnect(result string) {
	if m == nil {
		return
	}
	m.UpstreamConnects.WithLabelValues(result).Inc()
}

// RecordUpstreamError records an upstream failure
func (m *Metrics) RecordUpstreamError(kind string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

// RecordFirstAudio records the latency to the first model fragment
func (m *Metrics) RecordFirstAudio(latencySeconds float64) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(latencySeconds)
}

// RecordFragment records a forwarded model fragment
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.Fragments.Inc()
}

// RecordTurnCompleted records a completed turn and its aggregated size
func (m *Metrics) RecordTurnCompleted(audioBytes int) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues("completed").Inc()
	m.TurnAudioBytes.Observe(float64(audioBytes))
}

// RecordTurnInterrupted records an interrupted turn
func (m *Metrics) RecordTurnInterrupted() {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues("interrupted").Inc()
}

// RecordStaleFragment records a dropped fragment of an interrupted turn
func (m *Metrics) RecordStaleFragment() {
	if m == nil {
		return
	}
	m.StaleFragmentsDrop.Inc()
}

// RecordNoResponse records an expired response deadline
func (m *Metrics) RecordNoResponse() {
	if m == nil {
		return
	}
	m.NoResponseNotices.Inc()
}

// RecordAggregatorAnomaly records a sequence gap or rejected fragment
func (m *Metrics) RecordAggregatorAnomaly(kind string) {
	if m == nil {
		return
	}
	m.AggregatorAnomalies.WithLabelValues(kind).Inc()
}

// RecordDroppedOutboundAudio records queued audio discarded by an interrupt
func (m *Metrics) RecordDroppedOutboundAudio() {
	if m == nil {
		return
	}
	m.DroppedOutboundAudio.Inc()
}

// RecordCapture records a canonicalized user capture
func (m *Metrics) RecordCapture(durationSeconds float64, degraded, silent bool) {
	if m == nil {
		return
	}
	m.CaptureDuration.Observe(durationSeconds)
	if degraded {
		m.CodecFallbacks.Inc()
	}
	if silent {
		m.SilentCaptures.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
