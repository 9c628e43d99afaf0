package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mishabar410/policyshield/internal/service"
)

// Options configures the HTTP server. Zero values fall back to safe
// defaults where one exists.
type Options struct {
	Addr string

	// APIToken guards the check/poll endpoints; empty disables API auth.
	APIToken string
	// AdminToken guards the admin endpoints; empty falls back to APIToken.
	AdminToken string

	CORSOrigins []string

	// MaxRequestSize caps request bodies in bytes.
	MaxRequestSize int64
	// MaxConcurrentChecks bounds in-flight check/post-check requests.
	MaxConcurrentChecks int
	// RequestTimeout bounds one request end to end.
	RequestTimeout time.Duration
	// ApprovalPollTimeout bounds a blocking check-approval wait.
	ApprovalPollTimeout time.Duration

	// FailOpen selects the degradation verdict in 5xx envelopes.
	FailOpen bool

	Version string

	// Telemetry enables a span per request via the global tracer provider.
	Telemetry bool
}

// Server is the HTTP boundary in front of the policy engine.
type Server struct {
	engine  *service.Engine
	logger  *slog.Logger
	metrics *Metrics

	apiToken    string
	adminToken  string
	pollTimeout time.Duration
	failOpen    bool
	version     string

	slots       chan struct{}
	idempotency *idempotencyCache
	tracker     *authFailureTracker
	draining    atomic.Bool

	httpServer *http.Server
}

// NewServer wires the routes and middleware. Metrics are registered on reg;
// pass a fresh registry per server.
func NewServer(engine *service.Engine, opts Options, logger *slog.Logger, reg *prometheus.Registry) *Server {
	s := &Server{
		engine:      engine,
		logger:      logger,
		metrics:     NewMetrics(reg),
		apiToken:    opts.APIToken,
		adminToken:  opts.AdminToken,
		pollTimeout: opts.ApprovalPollTimeout,
		failOpen:    opts.FailOpen,
		version:     opts.Version,
		idempotency: newIdempotencyCache(),
		tracker:     newAuthFailureTracker(),
	}
	if s.adminToken == "" {
		s.adminToken = s.apiToken
	}
	if opts.MaxConcurrentChecks > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrentChecks)
	}
	reg.MustRegister(collectors.NewGoCollector())

	mux := http.NewServeMux()

	// Engine-facing API.
	mux.Handle("POST /api/v1/check", s.api(http.HandlerFunc(s.handleCheck)))
	mux.Handle("POST /api/v1/post-check", s.api(http.HandlerFunc(s.handlePostCheck)))
	mux.Handle("GET /api/v1/constraints", s.api(http.HandlerFunc(s.handleConstraints)))
	mux.Handle("GET /api/v1/status", s.api(http.HandlerFunc(s.handleStatus)))
	mux.Handle("POST /api/v1/check-approval", s.api(http.HandlerFunc(s.handleCheckApproval)))
	mux.Handle("GET /api/v1/health", http.HandlerFunc(s.handleHealth))

	// Admin surface.
	mux.Handle("POST /api/v1/reload", s.admin(http.HandlerFunc(s.handleReload)))
	mux.Handle("POST /api/v1/kill", s.admin(http.HandlerFunc(s.handleKill)))
	mux.Handle("POST /api/v1/resume", s.admin(http.HandlerFunc(s.handleResume)))
	mux.Handle("POST /api/v1/respond-approval", s.admin(http.HandlerFunc(s.handleRespondApproval)))
	mux.Handle("GET /api/v1/pending-approvals", s.admin(http.HandlerFunc(s.handlePendingApprovals)))

	// Probes and metrics.
	mux.Handle("GET /healthz", livenessHandler())
	mux.Handle("GET /readyz", s.readinessHandler())
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = maxBodyMiddleware(opts.MaxRequestSize)(handler)
	handler = requireJSON(handler)
	handler = s.metricsMiddleware(handler)
	handler = s.timeoutMiddleware(opts.RequestTimeout, handler)
	handler = drainGuard(&s.draining, handler)
	handler = CORSMiddleware(opts.CORSOrigins)(handler)
	handler = SecurityHeadersMiddleware(handler)
	if opts.Telemetry {
		handler = TraceMiddleware(handler)
	}
	handler = RequestIDMiddleware(logger)(handler)

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// api wraps a handler with bearer auth against the API token.
func (s *Server) api(next http.Handler) http.Handler {
	return requireToken(s.apiToken, false, s.tracker, next)
}

// admin wraps a handler with bearer auth against the admin token, with
// per-IP lockout on repeated failures.
func (s *Server) admin(next http.Handler) http.Handler {
	return requireToken(s.adminToken, true, s.tracker, next)
}

// timeoutMiddleware bounds a request's context. Handlers that outlive the
// deadline observe the cancellation and answer 504.
func (s *Server) timeoutMiddleware(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// metricsMiddleware records per-endpoint request counts and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := endpointLabel(r.URL.Path)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.metrics.RequestsTotal.WithLabelValues(endpoint, statusClass(rec.status)).Inc()
		s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status for metrics and spans.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// endpointLabel maps a path to a bounded metric label.
func endpointLabel(path string) string {
	switch path {
	case "/api/v1/check", "/api/v1/post-check", "/api/v1/health",
		"/api/v1/constraints", "/api/v1/status", "/api/v1/reload",
		"/api/v1/kill", "/api/v1/resume", "/api/v1/check-approval",
		"/api/v1/respond-approval", "/api/v1/pending-approvals",
		"/healthz", "/readyz", "/metrics":
		return path
	default:
		return "other"
	}
}

// statusClass folds a status code into ok/client_error/server_error.
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	default:
		return "ok"
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains and stops the server. New requests get 503 BLOCK while
// in-flight ones finish, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.draining.Store(true)
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the composed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
