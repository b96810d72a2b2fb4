package router

import (
	"sort"
	"strings"

	"github.com/arbiterlabs/ai-gateway/internal/config"
)

// Mode selects how a policy's providers are exercised.
type Mode string

const (
	ModeSingle    Mode = "single"
	ModeFallback  Mode = "fallback"
	ModeConsensus Mode = "consensus"
)

const defaultAgreement = 0.66

// Policy is the routing rule for one task type.
type Policy struct {
	TaskType  string
	Providers []string // ordered: fallback priority / consensus set
	Mode      Mode
	Agreement float64 // consensus threshold in [0.5, 1.0]
	Cacheable bool
}

// Equivalence decides whether two replies agree in a consensus round.
type Equivalence func(a, b string) bool

// DefaultEquivalence treats replies as agreeing when they match after
// whitespace trimming and case folding.
func DefaultEquivalence(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// PolicyTable resolves task types to policies.
type PolicyTable struct {
	policies        map[string]Policy
	defaultProvider string
}

// NewPolicyTable builds the table from validated configuration.
func NewPolicyTable(cfgs []config.PolicyConfig, defaultProvider string) *PolicyTable {
	t := &PolicyTable{
		policies:        make(map[string]Policy, len(cfgs)),
		defaultProvider: defaultProvider,
	}
	for _, pc := range cfgs {
		mode := Mode(pc.Mode)
		if mode == "" {
			mode = ModeSingle
		}
		agreement := pc.Agreement
		if agreement == 0 {
			agreement = defaultAgreement
		}
		t.policies[pc.TaskType] = Policy{
			TaskType:  pc.TaskType,
			Providers: append([]string(nil), pc.Providers...),
			Mode:      mode,
			Agreement: agreement,
			Cacheable: pc.Cacheable,
		}
	}
	return t
}

// Resolve returns the policy for taskType. Unknown task types fall back to
// a synthetic single-provider policy on the default provider; without a
// default the second return is false.
func (t *PolicyTable) Resolve(taskType string) (Policy, bool) {
	if p, ok := t.policies[taskType]; ok {
		return p, true
	}
	if t.defaultProvider != "" {
		return Policy{
			TaskType:  taskType,
			Providers: []string{t.defaultProvider},
			Mode:      ModeSingle,
		}, true
	}
	return Policy{}, false
}

// TaskTypes returns the explicitly configured task types, sorted.
func (t *PolicyTable) TaskTypes() []string {
	out := make([]string, 0, len(t.policies))
	for tt := range t.policies {
		out = append(out, tt)
	}
	sort.Strings(out)
	return out
}
