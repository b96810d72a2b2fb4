// Package budget enforces per-tenant monthly spending caps.
//
// Authorization is pessimistic: a request is admitted only when the
// tenant's spend so far plus the request's estimated cost stays under the
// cap. Actual spend is recorded after completion from reported token usage,
// so the running total reflects real cost, not estimates.
//
// Spend is tracked per calendar month (UTC). The first authorization or
// spend record in a new month resets the tenant's counters; nothing carries
// over.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrBudgetExceeded is returned by Authorize when admitting the request
// would push the tenant past its monthly cap. Dispatch fails closed.
var ErrBudgetExceeded = errors.New("budget: monthly cap exceeded")

const defaultAlertThreshold = 0.8

// AlertFunc is invoked at most once per tenant per month when spend crosses
// the alert threshold. Called with the governor's lock released.
type AlertFunc func(tenant string, spentUSD, capUSD float64)

// Limit is one tenant's configured cap.
type Limit struct {
	MonthlyCapUSD  float64
	AlertThreshold float64 // fraction in (0, 1]; 0 means the default 0.8
}

// SpendStore mirrors spend totals to shared storage so replicas converge.
// Implementations must be safe for concurrent use. A nil store is valid.
type SpendStore interface {
	// AddSpend atomically adds amountUSD to the tenant's total for period
	// and returns the new total.
	AddSpend(ctx context.Context, tenant, period string, amountUSD float64) (float64, error)

	// GetSpend returns the tenant's total for period.
	GetSpend(ctx context.Context, tenant, period string) (float64, error)
}

type tenantState struct {
	limit      Limit
	period     string
	spentUSD   float64
	alertFired bool
}

// Governor tracks spend and answers admission checks. Safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	tenants map[string]*tenantState

	store   SpendStore
	alertFn AlertFunc
	log     *slog.Logger
	now     func() time.Time
}

// New creates a Governor with the given per-tenant limits. store and alertFn
// may be nil.
func New(limits map[string]Limit, store SpendStore, alertFn AlertFunc, log *slog.Logger) *Governor {
	if log == nil {
		log = slog.Default()
	}
	g := &Governor{
		tenants: make(map[string]*tenantState, len(limits)),
		store:   store,
		alertFn: alertFn,
		log:     log,
		now:     time.Now,
	}
	for name, lim := range limits {
		g.tenants[name] = &tenantState{limit: lim}
	}
	return g
}

// period returns the UTC month key, e.g. "2026-09".
func (g *Governor) periodKey() string {
	return g.now().UTC().Format("2006-01")
}

// rollover resets a tenant's counters when the calendar month has changed.
// Caller holds g.mu.
func (g *Governor) rollover(ts *tenantState, period string) {
	if ts.period != period {
		ts.period = period
		ts.spentUSD = 0
		ts.alertFired = false
	}
}

// Authorize admits or rejects a request with the given estimated cost.
// Tenants without a configured limit are always admitted. Returns
// ErrBudgetExceeded (wrapped with tenant detail) on rejection.
func (g *Governor) Authorize(ctx context.Context, tenant string, estimatedUSD float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts, ok := g.tenants[tenant]
	if !ok {
		g.log.Debug("tenant has no budget limit, admitting",
			slog.String("tenant", tenant))
		return nil
	}
	g.rollover(ts, g.periodKey())
	g.syncFromStore(ctx, tenant, ts)

	if ts.spentUSD+estimatedUSD > ts.limit.MonthlyCapUSD {
		return fmt.Errorf("%w: tenant %q spent $%.4f of $%.2f, estimated request $%.4f",
			ErrBudgetExceeded, tenant, ts.spentUSD, ts.limit.MonthlyCapUSD, estimatedUSD)
	}
	return nil
}

// RecordSpend adds the actual cost of a completed request to the tenant's
// running total and fires the threshold alert when first crossed this month.
// Unknown tenants are ignored.
func (g *Governor) RecordSpend(ctx context.Context, tenant string, actualUSD float64) {
	if actualUSD <= 0 {
		return
	}

	g.mu.Lock()
	ts, ok := g.tenants[tenant]
	if !ok {
		g.mu.Unlock()
		return
	}
	period := g.periodKey()
	g.rollover(ts, period)

	if g.store != nil {
		if total, err := g.store.AddSpend(ctx, tenant, period, actualUSD); err == nil {
			ts.spentUSD = total
		} else {
			ts.spentUSD += actualUSD
			g.log.Warn("spend store unavailable, using local total",
				slog.String("tenant", tenant),
				slog.String("error", err.Error()))
		}
	} else {
		ts.spentUSD += actualUSD
	}

	var fire bool
	threshold := ts.limit.AlertThreshold
	if threshold == 0 {
		threshold = defaultAlertThreshold
	}
	if !ts.alertFired && ts.spentUSD >= threshold*ts.limit.MonthlyCapUSD {
		ts.alertFired = true
		fire = true
	}
	spent, capUSD := ts.spentUSD, ts.limit.MonthlyCapUSD
	g.mu.Unlock()

	if fire {
		g.log.Warn("budget alert threshold crossed",
			slog.String("tenant", tenant),
			slog.Float64("spent_usd", spent),
			slog.Float64("cap_usd", capUSD))
		if g.alertFn != nil {
			g.alertFn(tenant, spent, capUSD)
		}
	}
}

// syncFromStore refreshes the local total from shared storage when
// configured. Store errors fall back to the local total. Caller holds g.mu.
func (g *Governor) syncFromStore(ctx context.Context, tenant string, ts *tenantState) {
	if g.store == nil {
		return
	}
	total, err := g.store.GetSpend(ctx, tenant, ts.period)
	if err != nil {
		return
	}
	if total > ts.spentUSD {
		ts.spentUSD = total
	}
}

// Snapshot is one tenant's current budget position.
type Snapshot struct {
	Tenant     string  `json:"tenant"`
	Period     string  `json:"period"`
	SpentUSD   float64 `json:"spent_usd"`
	CapUSD     float64 `json:"cap_usd"`
	AlertFired bool    `json:"alert_fired"`
}

// Snapshots returns the current position of every configured tenant.
func (g *Governor) Snapshots() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	period := g.periodKey()
	out := make([]Snapshot, 0, len(g.tenants))
	for name, ts := range g.tenants {
		g.rollover(ts, period)
		out = append(out, Snapshot{
			Tenant:     name,
			Period:     ts.period,
			SpentUSD:   ts.spentUSD,
			CapUSD:     ts.limit.MonthlyCapUSD,
			AlertFired: ts.alertFired,
		})
	}
	return out
}
