package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the call bridge
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionTransitions *prometheus.CounterVec
	SessionLifetime    prometheus.Histogram
	Interruptions      *prometheus.CounterVec
	Warnings           *prometheus.CounterVec

	// Audio metrics
	FramesRelayed *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec

	// Call control metrics
	CallbackEvents      *prometheus.CounterVec
	AnswerFailures      prometheus.Counter
	ProviderTranscripts prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the bridge metrics on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SessionTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_session_transitions_total",
			Help: "Total number of session state transitions",
		}, []string{"from", "to"}),
		SessionLifetime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "callbridge_session_duration_seconds",
			Help:    "Duration of bridge sessions from creation to close",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		Interruptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_interruptions_total",
			Help: "Total number of AI playback interruptions",
		}, []string{"reason"}),
		Warnings: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_warnings_total",
			Help: "Total number of non-fatal leg warnings",
		}, []string{"source"}),

		FramesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_frames_relayed_total",
			Help: "Total number of audio frames relayed",
		}, []string{"direction"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_frames_discarded_total",
			Help: "Total number of audio frames discarded",
		}, []string{"reason"}),

		CallbackEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_callback_events_total",
			Help: "Total number of call automation callback events received",
		}, []string{"type"}),
		AnswerFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_answer_failures_total",
			Help: "Total number of incoming calls that could not be answered",
		}),
		ProviderTranscripts: f.NewCounter(prometheus.CounterOpts{
			Name: "callbridge_provider_transcripts_total",
			Help: "Total number of final transcription results received from call automation",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "callbridge_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callbridge_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// RegisterActiveSessions exports the number of live sessions, read on scrape.
func (m *Metrics) RegisterActiveSessions(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "callbridge_active_sessions",
		Help: "Current number of bridge sessions",
	}, func() float64 { return float64(count()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SessionTransition records a session state change
func (m *Metrics) SessionTransition(from, to string) {
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// FrameRelayed counts one frame forwarded in direction ("caller" or "ai")
func (m *Metrics) FrameRelayed(direction string) {
	m.FramesRelayed.WithLabelValues(direction).Inc()
}

// FramesDiscarded counts frames dropped for reason
func (m *Metrics) FramesDiscarded(reason string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Add(float64(n))
}

// Interruption counts a playback interruption
func (m *Metrics) Interruption(reason string) {
	m.Interruptions.WithLabelValues(reason).Inc()
}

// SessionDuration records how long a session lived
func (m *Metrics) SessionDuration(d time.Duration) {
	m.SessionLifetime.Observe(d.Seconds())
}

// Warning counts a non-fatal warning from source
func (m *Metrics) Warning(source string) {
	m.Warnings.WithLabelValues(source).Inc()
}

// RecordCallbackEvent counts a call automation callback by type
func (m *Metrics) RecordCallbackEvent(eventType string) {
	m.CallbackEvents.WithLabelValues(eventType).Inc()
}

// RecordAnswerFailure counts a failed answer attempt
func (m *Metrics) RecordAnswerFailure() {
	m.AnswerFailures.Inc()
}

// RecordProviderTranscript counts a final provider-side transcription result
func (m *Metrics) RecordProviderTranscript() {
	m.ProviderTranscripts.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}
