// Package gateway is the HTTP surface of the orchestration service.
//
// It exposes synchronous dispatch, the deferred-task API, feedback
// submission, and operational endpoints (provider roster, budgets, health,
// metrics). All dependencies are injected so handlers can be exercised with
// in-memory doubles in tests; every optional dependency is nil-safe.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/arbiterlabs/ai-gateway/internal/budget"
	"github.com/arbiterlabs/ai-gateway/internal/feedback"
	"github.com/arbiterlabs/ai-gateway/internal/metrics"
	"github.com/arbiterlabs/ai-gateway/internal/queue"
	"github.com/arbiterlabs/ai-gateway/internal/ratelimit"
	"github.com/arbiterlabs/ai-gateway/internal/registry"
	routerpkg "github.com/arbiterlabs/ai-gateway/internal/router"
)

// Options holds optional Server dependencies. Router, Registry, and Queue
// are required; everything else is nil-safe.
type Options struct {
	Logger      *slog.Logger
	Metrics     *metrics.Registry
	Health      *registry.HealthChecker
	Budget      *budget.Governor
	Feedback    *feedback.Engine
	RPMLimiter  *ratelimit.RPMLimiter
	CORSOrigins []string
}

// Server wires the HTTP routes to the orchestration components.
type Server struct {
	router   *routerpkg.Router
	registry *registry.Registry
	queue    *queue.Queue

	log      *slog.Logger
	metrics  *metrics.Registry
	health   *registry.HealthChecker
	budget   *budget.Governor
	feedback *feedback.Engine
	limiter  *ratelimit.RPMLimiter

	corsOrigins []string
	baseCtx     context.Context
	srv         *fasthttp.Server
}

// NewServer creates a Server.
func NewServer(ctx context.Context, rt *routerpkg.Router, reg *registry.Registry, q *queue.Queue, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		router:      rt,
		registry:    reg,
		queue:       q,
		log:         log,
		metrics:     opts.Metrics,
		health:      opts.Health,
		budget:      opts.Budget,
		feedback:    opts.Feedback,
		limiter:     opts.RPMLimiter,
		corsOrigins: opts.CORSOrigins,
		baseCtx:     ctx,
	}
}

// Handler builds the full route table wrapped in the middleware chain.
// Exposed separately from Start so tests can drive it over an in-memory
// listener.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/dispatch", s.handleDispatch)

	r.POST("/v1/tasks", s.handleEnqueue)
	r.GET("/v1/tasks/{id}", s.handleGetTask)
	r.POST("/v1/tasks/{id}/cancel", s.handleCancelTask)
	r.POST("/v1/tasks/{id}/retry", s.handleRetryTask)

	r.POST("/v1/feedback", s.handleFeedback)
	r.GET("/v1/weights", s.handleWeights)
	r.POST("/v1/weights/relearn", s.handleRelearn)

	r.GET("/v1/providers", s.handleProviders)
	r.GET("/v1/budgets", s.handleBudgets)

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		s.httpMetrics,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// Start serves on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.log.Info("http server listening", slog.String("addr", addr))
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}
