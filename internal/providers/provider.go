// Package providers defines the common types and the Strategy interface
// implemented by every external AI backend (OpenAI, Anthropic, Gemini, and
// generic OpenAI-compatible services).
//
// Each strategy lives in its own sub-package. The router never touches a
// concrete strategy type — adding a backend means adding a sub-package and
// registering its constructor, nothing else.
package providers

import (
	"context"
	"time"
)

// Kind identifies the wire protocol / SDK used to reach a backend.
// It is a closed enum — configuration with an unknown kind is rejected at
// load time, not discovered at call time.
type Kind string

const (
	KindOpenAI       Kind = "openai"
	KindAnthropic    Kind = "anthropic"
	KindGemini       Kind = "gemini"
	KindOpenAICompat Kind = "openai_compat"
)

// KnownKinds lists every recognized provider kind, used for config validation.
var KnownKinds = []Kind{KindOpenAI, KindAnthropic, KindGemini, KindOpenAICompat}

// ValidKind reports whether k is a recognized provider kind.
func ValidKind(k Kind) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

type (
	// GenerationParams are the caller-tunable generation knobs. They are part
	// of the cache fingerprint — any change produces a different fingerprint.
	GenerationParams struct {
		MaxTokens   int
		Temperature float64
		Timeout     time.Duration
	}

	// Usage — token usage stats reported by the backend.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// InvokeRequest is the normalized request handed to a strategy.
	InvokeRequest struct {
		TaskType  string
		Prompt    string
		Model     string
		Params    GenerationParams
		Tenant    string
		RequestID string
	}

	// NormalizedResult is the common result shape every strategy produces.
	NormalizedResult struct {
		Content      string
		Usage        Usage
		FinishReason string
	}
)

// Strategy is the per-provider-kind call implementation.
type Strategy interface {
	Kind() Kind
	Invoke(ctx context.Context, req *InvokeRequest) (*NormalizedResult, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by strategy errors that carry an upstream HTTP
// status, enabling uniform transient-vs-permanent classification.
type StatusCoder interface {
	HTTPStatus() int
}

// Default call constants, overridable via configuration.
const (
	DefaultTimeout   = 30 * time.Second
	DefaultMaxTokens = 4096
)
