package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every instrument the gateway core increments. The registry is
// owned by bootstrap and injected here; nothing in this package is global.
type Metrics struct {
	registry *prometheus.Registry

	SessionsTotal    *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	StreamChunks     *prometheus.CounterVec
	StreamBytes      *prometheus.CounterVec
	ProviderFailures *prometheus.CounterVec

	QueueDepth    prometheus.Gauge
	QueueMaxsize  prometheus.Gauge
	QueueFull     prometheus.Counter
	WorkersBusy   prometheus.Gauge
	WorkersTotal  prometheus.Gauge
}

// New registers the gateway instruments on the given registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_sessions_total",
			Help: "Total TTS sessions by provider and terminal status.",
		}, []string{"provider", "status"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_active_streams",
			Help: "Current number of active TTS streams.",
		}),
		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_stream_chunks_total",
			Help: "Total number of audio chunks streamed.",
		}, []string{"provider", "format"}),
		StreamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_stream_bytes_total",
			Help: "Total number of audio bytes streamed.",
		}, []string{"provider", "format"}),
		ProviderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tts_provider_failures_total",
			Help: "Total number of provider failures observed.",
		}, []string{"provider"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_session_queue_depth",
			Help: "Current number of queued streaming jobs.",
		}),
		QueueMaxsize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_session_queue_maxsize",
			Help: "Capacity of the streaming queue.",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tts_session_queue_full_total",
			Help: "Total streaming jobs rejected because the queue was full.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_session_workers_busy",
			Help: "Workers currently driving a stream.",
		}),
		WorkersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tts_session_workers_total",
			Help: "Size of the streaming worker pool.",
		}),
	}

	registry.MustRegister(
		m.SessionsTotal,
		m.ActiveStreams,
		m.StreamChunks,
		m.StreamBytes,
		m.ProviderFailures,
		m.QueueDepth,
		m.QueueMaxsize,
		m.QueueFull,
		m.WorkersBusy,
		m.WorkersTotal,
	)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterRateLimitObservables wires the limiter's live gauges. Called once
// during bootstrap, after the limiter exists.
func (m *Metrics) RegisterRateLimitObservables(maxBucketUsage, windowRemaining func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tts_rate_limit_max_bucket_usage",
		Help: "Max per-origin bucket usage across active keys, in [0,1].",
	}, maxBucketUsage))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tts_rate_limit_window_remaining_seconds",
		Help: "Smallest window-remaining seconds across active keys.",
	}, windowRemaining))
}
