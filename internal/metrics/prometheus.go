// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_dispatch_total{task_type,mode,outcome}
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_duration_seconds{task_type,mode,cache}
	dispatchDuration *prometheus.HistogramVec

	// gateway_provider_attempts_total{provider,outcome}
	providerAttempts *prometheus.CounterVec

	// gateway_provider_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// gateway_budget_rejections_total{tenant}
	budgetRejections *prometheus.CounterVec

	// gateway_budget_spend_usd{tenant}
	budgetSpend *prometheus.GaugeVec

	// gateway_consensus_total{task_type,outcome}
	consensusTotal *prometheus.CounterVec

	// gateway_queue_depth{state}
	queueDepth *prometheus.GaugeVec

	// gateway_queue_transitions_total{to_state}
	queueTransitions *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_provider_health{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_feedback_total{rating}
	feedbackTotal *prometheus.CounterVec

	// gateway_audit_dropped_total
	auditDropped prometheus.Gauge

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Dispatch outcomes by task type and routing mode",
			},
			[]string{"task_type", "mode", "outcome"},
		),

		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_duration_seconds",
				Help:    "End-to-end dispatch duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"task_type", "mode", "cache"},
		),

		providerAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_attempts_total",
				Help: "Upstream provider attempts (includes fallback and consensus legs)",
			},
			[]string{"provider", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_provider_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		budgetRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_budget_rejections_total",
				Help: "Requests rejected by the budget governor",
			},
			[]string{"tenant"},
		),

		budgetSpend: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_budget_spend_usd",
				Help: "Current-month accumulated spend per tenant in USD",
			},
			[]string{"tenant"},
		),

		consensusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_consensus_total",
				Help: "Consensus dispatch outcomes",
			},
			[]string{"task_type", "outcome"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_queue_depth",
				Help: "Queue items by state",
			},
			[]string{"state"},
		),

		queueTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_queue_transitions_total",
				Help: "Queue item state transitions",
			},
			[]string{"to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health status (1=ok, 0=unreachable)",
			},
			[]string{"provider"},
		),

		feedbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_feedback_total",
				Help: "Feedback records received by overall rating",
			},
			[]string{"rating"},
		),

		auditDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_audit_dropped_total",
			Help: "Audit entries dropped due to a full buffer",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.dispatchTotal,
		r.dispatchDuration,
		r.providerAttempts,
		r.attemptDuration,
		r.cacheHits,
		r.cacheMisses,
		r.budgetRejections,
		r.budgetSpend,
		r.consensusTotal,
		r.queueDepth,
		r.queueTransitions,
		r.rateLimitTotal,
		r.tokensTotal,
		r.providerHealth,
		r.feedbackTotal,
		r.auditDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

// Handler returns the fasthttp handler serving the /metrics endpoint.
func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveDispatch records one routed request end to end.
func (r *Registry) ObserveDispatch(taskType, mode, outcome string, cached bool, dur time.Duration) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	r.dispatchTotal.WithLabelValues(taskType, mode, outcome).Inc()
	r.dispatchDuration.WithLabelValues(taskType, mode, cache).Observe(dur.Seconds())
}

// ObserveProviderAttempt records one upstream attempt.
func (r *Registry) ObserveProviderAttempt(provider, outcome string, dur time.Duration) {
	r.providerAttempts.WithLabelValues(provider, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) CacheHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordBudgetRejection(tenant string) {
	r.budgetRejections.WithLabelValues(tenant).Inc()
}

func (r *Registry) SetBudgetSpend(tenant string, usd float64) {
	r.budgetSpend.WithLabelValues(tenant).Set(usd)
}

func (r *Registry) RecordConsensus(taskType, outcome string) {
	r.consensusTotal.WithLabelValues(taskType, outcome).Inc()
}

func (r *Registry) SetQueueDepth(state string, n int) {
	r.queueDepth.WithLabelValues(state).Set(float64(n))
}

func (r *Registry) RecordQueueTransition(toState string) {
	r.queueTransitions.WithLabelValues(toState).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	if ok {
		r.providerHealth.WithLabelValues(provider).Set(1)
	} else {
		r.providerHealth.WithLabelValues(provider).Set(0)
	}
}

func (r *Registry) RecordFeedback(rating string) {
	r.feedbackTotal.WithLabelValues(rating).Inc()
}

func (r *Registry) SetAuditDropped(n int64) {
	r.auditDropped.Set(float64(n))
}

func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}
