package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/callcontrol"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/metrics"
)

// CallControl is the part of the call automation client the webhooks use.
type CallControl interface {
	AnswerCall(ctx context.Context, req callcontrol.AnswerRequest) (*callcontrol.CallProperties, error)
	GetCallProperties(ctx context.Context, callConnectionID string) (*callcontrol.CallProperties, error)
}

type RouterConfig struct {
	PublicBaseURL string

	// Call automation
	CognitiveServicesEndpoint string
	Locale                    string // provider transcription locale, e.g. "ja-JP"

	// Media socket
	MediaFormat       media.Format
	MediaReadTimeout  time.Duration // 0 disables the idle timeout
	MediaWriteTimeout time.Duration

	// Stream tokens bind websocket URLs to a call
	StreamTokenSecret string
	StreamTokenTTL    time.Duration
}

type Router struct {
	cfg         RouterConfig
	logger      *log.Logger
	calls       CallControl
	registry    *bridge.Registry
	eventLog    *eventlog.Logger
	metrics     *metrics.Metrics
	tokens      streamTokens
	connections *connectionIndex
	mux         *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, calls CallControl, registry *bridge.Registry, eventLog *eventlog.Logger, m *metrics.Metrics) http.Handler {
	r := newRouter(cfg, logger, calls, registry, eventLog, m)
	return withSentryRecovery(r.mux)
}

func newRouter(cfg RouterConfig, logger *log.Logger, calls CallControl, registry *bridge.Registry, eventLog *eventlog.Logger, m *metrics.Metrics) *Router {
	if cfg.Locale == "" {
		cfg.Locale = "ja-JP"
	}
	if cfg.MediaFormat.SampleRate == 0 {
		cfg.MediaFormat = media.DefaultTelephonyFormat
	}

	r := &Router{
		cfg:         cfg,
		logger:      logger,
		calls:       calls,
		registry:    registry,
		eventLog:    eventLog,
		metrics:     m,
		tokens:      newStreamTokens(cfg.StreamTokenSecret, cfg.StreamTokenTTL),
		connections: newConnectionIndex(),
		mux:         http.NewServeMux(),
	}

	r.routes()
	return r
}

func (r *Router) routes() {
	// Health checks
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /readyz", r.handleReadyz)
	r.mux.Handle("GET /metrics", r.metrics.Handler())

	// Call automation webhooks
	r.mux.HandleFunc("POST /api/incomingCall", r.withMetrics("/api/incomingCall", r.handleIncomingCall))
	r.mux.HandleFunc("POST /api/callbacks/{callId}", r.withMetrics("/api/callbacks", r.handleCallback))

	// Media and transcription sockets (auth by stream token)
	r.mux.HandleFunc("GET /ws", r.handleMediaWS)
	r.mux.HandleFunc("GET /transcriptionws", r.handleTranscriptionWS)
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz fails while draining so the load balancer stops routing new
// calls here.
func (r *Router) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if r.registry.IsDraining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

// withMetrics wraps an HTTP handler with metrics collection
func (r *Router) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, req)
		r.metrics.RecordHTTPRequest(req.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(start).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}

func wsURLFromPublicBase(publicBase string) string {
	// http://x -> ws://x
	// https://x -> wss://x
	publicBase = strings.TrimSuffix(publicBase, "/")
	if strings.HasPrefix(publicBase, "https://") {
		return "wss://" + strings.TrimPrefix(publicBase, "https://")
	}
	if strings.HasPrefix(publicBase, "http://") {
		return "ws://" + strings.TrimPrefix(publicBase, "http://")
	}
	// assume already host[:port]
	return "wss://" + publicBase
}

// connectionIndex remembers the call connection id reported by the
// CallConnected callback until the media socket for that call shows up.
type connectionIndex struct {
	mu     sync.Mutex
	byCall map[string]string
}

func newConnectionIndex() *connectionIndex {
	return &connectionIndex{byCall: make(map[string]string)}
}

func (c *connectionIndex) set(callID, connectionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCall[callID] = connectionID
}

func (c *connectionIndex) get(callID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byCall[callID]
	return id, ok
}

func (c *connectionIndex) forget(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byCall, callID)
}
