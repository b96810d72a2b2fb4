// Package router resolves task types to providers and dispatches prompts,
// honoring routing policies (single, fallback chain, consensus), the
// response cache, and per-tenant budgets. Every provider attempt — success,
// failure, or skip — produces one audit entry.
package router

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbiterlabs/ai-gateway/internal/audit"
	"github.com/arbiterlabs/ai-gateway/internal/budget"
	"github.com/arbiterlabs/ai-gateway/internal/cache"
	"github.com/arbiterlabs/ai-gateway/internal/metrics"
	"github.com/arbiterlabs/ai-gateway/internal/providers"
	"github.com/arbiterlabs/ai-gateway/internal/registry"
)

// Request is one dispatch asked of the router.
type Request struct {
	Tenant   string
	TaskType string
	Prompt   string
	Caller   string
	// RequestID correlates log and audit records; the HTTP layer fills it in.
	RequestID string
	// Params overrides the provider's configured generation parameters
	// when non-nil.
	Params *providers.GenerationParams
}

// Result is a successful dispatch.
type Result struct {
	providers.NormalizedResult
	Provider string
	Cached   bool
	CostUSD  float64
}

// Router wires the registry, policy table, cache, budget governor, and
// audit recorder into one dispatch path. metrics, cache, budget, and audit
// are all optional (nil-safe).
type Router struct {
	reg      *registry.Registry
	policies *PolicyTable
	cache    *cache.ResponseCache
	budget   *budget.Governor
	audit    *audit.Recorder
	metrics  *metrics.Registry
	log      *slog.Logger
	equiv    Equivalence
}

// New creates a Router. reg and policies are required.
func New(
	reg *registry.Registry,
	policies *PolicyTable,
	respCache *cache.ResponseCache,
	gov *budget.Governor,
	rec *audit.Recorder,
	met *metrics.Registry,
	log *slog.Logger,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		reg:      reg,
		policies: policies,
		cache:    respCache,
		budget:   gov,
		audit:    rec,
		metrics:  met,
		log:      log,
		equiv:    DefaultEquivalence,
	}
}

// SetEquivalence replaces the consensus agreement function. In-process
// callers may install a semantic comparison; the default is normalized
// string equality. Must be called before the router serves traffic.
func (r *Router) SetEquivalence(eq Equivalence) {
	if eq != nil {
		r.equiv = eq
	}
}

// Dispatch routes one prompt according to the task type's policy.
func (r *Router) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	policy, ok := r.policies.Resolve(req.TaskType)
	if !ok {
		return nil, ErrNoPolicy
	}

	candidates := r.resolveCandidates(req, policy)
	if len(candidates) == 0 {
		err := &AllProvidersFailedError{TaskType: req.TaskType, Attempts: 0, LastErr: ErrProviderUnavailable}
		r.observeDispatch(req, policy, "all_failed", false, start)
		return nil, err
	}

	if err := r.authorize(ctx, req, policy, candidates); err != nil {
		r.observeDispatch(req, policy, "budget_rejected", false, start)
		return nil, err
	}

	// Cache short-circuit. The fingerprint is keyed on the policy's primary
	// provider so hits survive fallback to a different backend.
	var fingerprint string
	if policy.Cacheable && r.cache != nil {
		fingerprint = r.fingerprint(req, policy)
		if entry, hit := r.cache.Lookup(ctx, fingerprint); hit {
			if r.metrics != nil {
				r.metrics.CacheHit()
			}
			r.observeDispatch(req, policy, "success", true, start)
			return &Result{
				NormalizedResult: entry.Result,
				Provider:         entry.Provider,
				Cached:           true,
			}, nil
		}
		if r.metrics != nil {
			r.metrics.CacheMiss()
		}
	}

	var (
		res *Result
		err error
	)
	switch policy.Mode {
	case ModeConsensus:
		res, err = r.dispatchConsensus(ctx, req, policy, candidates)
	default:
		res, err = r.dispatchChain(ctx, req, policy, candidates)
	}
	if err != nil {
		r.observeDispatch(req, policy, "failed", false, start)
		return nil, err
	}

	if fingerprint != "" {
		if serr := r.cache.Store(ctx, fingerprint, res.Provider, &res.NormalizedResult); serr != nil {
			r.log.Warn("cache store failed",
				slog.String("request_id", req.RequestID),
				slog.String("error", serr.Error()))
		}
	}

	r.observeDispatch(req, policy, "success", false, start)
	return res, nil
}

// resolveCandidates filters the policy's provider list down to routable
// registry entries. Skipped providers get an audit entry with outcome
// "skipped" and are never attempted or counted as failures.
func (r *Router) resolveCandidates(req *Request, policy Policy) []*registry.Provider {
	out := make([]*registry.Provider, 0, len(policy.Providers))
	for _, name := range policy.Providers {
		p, ok := r.reg.Get(name)
		if !ok || !p.Health().Routable() {
			reason := "not registered"
			if ok {
				reason = p.Health().String()
			}
			r.recordAudit(req, name, audit.OutcomeSkipped, ErrProviderUnavailable.Error()+": "+reason, 0, nil, 0)
			continue
		}
		out = append(out, p)
	}
	return out
}

func (r *Router) authorize(ctx context.Context, req *Request, policy Policy, candidates []*registry.Provider) error {
	if r.budget == nil {
		return nil
	}

	// Pessimistic estimate: the chain charges at most one provider, a
	// consensus round charges every leg.
	var estimate float64
	if policy.Mode == ModeConsensus {
		for _, p := range candidates {
			estimate += p.EstimateCost(req.Prompt, r.effectiveParams(req, p))
		}
	} else {
		estimate = candidates[0].EstimateCost(req.Prompt, r.effectiveParams(req, candidates[0]))
	}

	if err := r.budget.Authorize(ctx, req.Tenant, estimate); err != nil {
		if r.metrics != nil && errors.Is(err, budget.ErrBudgetExceeded) {
			r.metrics.RecordBudgetRejection(req.Tenant)
		}
		r.recordAudit(req, "", audit.OutcomeFailed, err.Error(), 0, nil, 0)
		return err
	}
	return nil
}

// dispatchChain walks the candidate list in priority order, advancing on
// retryable failures. ModeSingle stops after the first candidate.
func (r *Router) dispatchChain(ctx context.Context, req *Request, policy Policy, candidates []*registry.Provider) (*Result, error) {
	if policy.Mode == ModeSingle {
		candidates = candidates[:1]
	}

	var (
		lastErr  error
		attempts int
	)
	for _, p := range candidates {
		res, usage, dur, err := r.attempt(ctx, req, p)
		attempts++

		if err == nil {
			cost := p.ActualCost(usage)
			r.settle(ctx, req, p, usage, cost, dur)
			if p.Name != candidates[0].Name {
				r.log.Info("fallback succeeded",
					slog.String("request_id", req.RequestID),
					slog.String("task_type", req.TaskType),
					slog.String("provider", p.Name),
					slog.Int("attempt", attempts))
			}
			return &Result{NormalizedResult: *res, Provider: p.Name, CostUSD: cost}, nil
		}

		lastErr = err
		reason := classifyError(err)
		p.RecordAttempt(false, dur, 0)
		r.recordAudit(req, p.Name, audit.OutcomeFailed, err.Error(), dur, nil, 0)
		if r.metrics != nil {
			r.metrics.ObserveProviderAttempt(p.Name, reason, dur)
		}
		r.log.Warn("provider attempt failed",
			slog.String("request_id", req.RequestID),
			slog.String("task_type", req.TaskType),
			slog.String("provider", p.Name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()))

		// Non-retryable errors (4xx) abort the chain immediately — other
		// providers will reject the same request for the same reason.
		if !isRetryable(err) {
			break
		}
	}

	return nil, &AllProvidersFailedError{TaskType: req.TaskType, Attempts: attempts, LastErr: lastErr}
}

// dispatchConsensus fans the prompt out to every candidate concurrently and
// accepts the majority answer when the agreement fraction reaches the
// policy threshold. The round's deadline is the slowest candidate's timeout.
func (r *Router) dispatchConsensus(ctx context.Context, req *Request, policy Policy, candidates []*registry.Provider) (*Result, error) {
	var maxTimeout time.Duration
	for _, p := range candidates {
		if t := p.Timeout(); t > maxTimeout {
			maxTimeout = t
		}
	}
	ctx, cancel := context.WithTimeout(ctx, maxTimeout)
	defer cancel()

	type leg struct {
		res   *providers.NormalizedResult
		usage providers.Usage
		cost  float64
		err   error
	}
	legs := make([]leg, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range candidates {
		g.Go(func() error {
			res, usage, dur, err := r.attempt(gctx, req, p)
			if err != nil {
				p.RecordAttempt(false, dur, 0)
				r.recordAudit(req, p.Name, audit.OutcomeFailed, err.Error(), dur, nil, 0)
				if r.metrics != nil {
					r.metrics.ObserveProviderAttempt(p.Name, classifyError(err), dur)
				}
				legs[i] = leg{err: err}
				return nil // a failed leg must not cancel its siblings
			}
			cost := p.ActualCost(usage)
			r.settle(ctx, req, p, usage, cost, dur)
			legs[i] = leg{res: res, usage: usage, cost: cost}
			return nil
		})
	}
	_ = g.Wait()

	replies := make([]Reply, len(candidates))
	var successes []int
	for i, l := range legs {
		replies[i].Provider = candidates[i].Name
		if l.err != nil {
			replies[i].Error = l.err.Error()
			continue
		}
		replies[i].Content = l.res.Content
		successes = append(successes, i)
	}

	if len(successes) == 0 {
		return nil, &AllProvidersFailedError{TaskType: req.TaskType, Attempts: len(candidates)}
	}

	// Largest equivalence class among the successful replies decides.
	bestIdx, bestSize := -1, 0
	for _, i := range successes {
		size := 0
		for _, j := range successes {
			if r.equiv(legs[i].res.Content, legs[j].res.Content) {
				size++
			}
		}
		if size > bestSize {
			bestIdx, bestSize = i, size
		}
	}

	agreement := float64(bestSize) / float64(len(successes))
	if agreement < policy.Agreement {
		if r.metrics != nil {
			r.metrics.RecordConsensus(req.TaskType, "no_consensus")
		}
		return nil, &NoConsensusError{
			TaskType:  req.TaskType,
			Agreement: agreement,
			Threshold: policy.Agreement,
			Replies:   replies,
		}
	}

	if r.metrics != nil {
		r.metrics.RecordConsensus(req.TaskType, "agreed")
	}
	var totalCost float64
	for _, i := range successes {
		totalCost += legs[i].cost
	}
	return &Result{
		NormalizedResult: *legs[bestIdx].res,
		Provider:         candidates[bestIdx].Name,
		CostUSD:          totalCost,
	}, nil
}

// attempt runs a single provider call under its configured timeout.
func (r *Router) attempt(ctx context.Context, req *Request, p *registry.Provider) (*providers.NormalizedResult, providers.Usage, time.Duration, error) {
	params := r.effectiveParams(req, p)

	cctx, cancel := context.WithTimeout(ctx, p.Timeout())
	defer cancel()

	start := time.Now()
	res, err := p.Strategy().Invoke(cctx, &providers.InvokeRequest{
		TaskType:  req.TaskType,
		Prompt:    req.Prompt,
		Model:     p.Model,
		Params:    params,
		Tenant:    req.Tenant,
		RequestID: req.RequestID,
	})
	dur := time.Since(start)
	if err != nil {
		return nil, providers.Usage{}, dur, err
	}
	return res, res.Usage, dur, nil
}

// settle folds a successful attempt into the provider counters, tenant
// spend, audit log, and metrics.
func (r *Router) settle(ctx context.Context, req *Request, p *registry.Provider, usage providers.Usage, cost float64, dur time.Duration) {
	p.RecordAttempt(true, dur, cost)
	if r.budget != nil {
		r.budget.RecordSpend(ctx, req.Tenant, cost)
	}
	r.recordAudit(req, p.Name, audit.OutcomeSuccess, "", dur, &usage, cost)
	if r.metrics != nil {
		r.metrics.ObserveProviderAttempt(p.Name, "success", dur)
		r.metrics.AddTokens(p.Name, usage.InputTokens, usage.OutputTokens)
	}
}

func (r *Router) effectiveParams(req *Request, p *registry.Provider) providers.GenerationParams {
	if req.Params != nil {
		return *req.Params
	}
	return p.Params
}

func (r *Router) fingerprint(req *Request, policy Policy) string {
	primary := policy.Providers[0]
	model := ""
	if p, ok := r.reg.Get(primary); ok {
		model = p.Model
	}
	params := providers.GenerationParams{}
	if req.Params != nil {
		params = *req.Params
	}
	return cache.Fingerprint(req.TaskType, primary, model, req.Prompt, params)
}

func (r *Router) recordAudit(req *Request, provider, outcome, errText string, dur time.Duration, usage *providers.Usage, cost float64) {
	if r.audit == nil {
		return
	}
	e := audit.Entry{
		Tenant:      req.Tenant,
		Provider:    provider,
		TaskType:    req.TaskType,
		RequestHash: cache.Fingerprint(req.TaskType, provider, "", req.Prompt, r.paramsOrZero(req)),
		Outcome:     outcome,
		Error:       errText,
		LatencyMs:   dur.Milliseconds(),
		CostUSD:     cost,
		Caller:      req.Caller,
	}
	if usage != nil {
		e.InputTokens = int64(usage.InputTokens)
		e.OutputTokens = int64(usage.OutputTokens)
	}
	r.audit.Record(e)
}

func (r *Router) paramsOrZero(req *Request) providers.GenerationParams {
	if req.Params != nil {
		return *req.Params
	}
	return providers.GenerationParams{}
}

func (r *Router) observeDispatch(req *Request, policy Policy, outcome string, cached bool, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.ObserveDispatch(req.TaskType, string(policy.Mode), outcome, cached, time.Since(start))
}
