package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// ErrNoPolicy is returned when a task type has no routing policy and no
// default provider is configured.
var ErrNoPolicy = errors.New("router: no routing policy for task type")

// ErrProviderUnavailable marks a provider that was skipped at resolution
// time (unreachable or disabled). Skips are audited but never counted as
// provider failures.
var ErrProviderUnavailable = errors.New("router: provider unavailable")

// AllProvidersFailedError is the terminal error for a fallback chain that
// ran out of candidates.
type AllProvidersFailedError struct {
	TaskType string
	Attempts int
	LastErr  error
}

func (e *AllProvidersFailedError) Error() string {
	if e.LastErr == nil {
		return fmt.Sprintf("router: all providers failed for %q after %d attempt(s)", e.TaskType, e.Attempts)
	}
	return fmt.Sprintf("router: all providers failed for %q after %d attempt(s): %v", e.TaskType, e.Attempts, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }

// Reply is one provider's answer (or failure) in a consensus round,
// carried in NoConsensusError for human review.
type Reply struct {
	Provider string `json:"provider"`
	Content  string `json:"content,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NoConsensusError is the terminal, non-retryable error for a consensus
// round whose agreement fraction stayed below the policy threshold.
type NoConsensusError struct {
	TaskType  string
	Agreement float64 // best fraction reached
	Threshold float64
	Replies   []Reply
}

func (e *NoConsensusError) Error() string {
	return fmt.Sprintf("router: no consensus for %q: agreement %.2f below threshold %.2f (%d replies)",
		e.TaskType, e.Agreement, e.Threshold, len(e.Replies))
}

// isRetryable returns true for errors that should advance the fallback chain.
//
//   - 5xx provider errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (timeout, another provider may answer)
//   - 4xx provider errors → NOT retryable (bad request / auth — won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600 || status == 429
	}
	return true
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
