// Package anthropic implements providers.Strategy for the Anthropic
// Messages API using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

const defaultBaseURL = "https://api.anthropic.com/v1"

// Strategy calls Anthropic. Safe for concurrent use.
type Strategy struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(s *Strategy) { s.baseURL = url }
}

// New creates an Anthropic Strategy.
func New(apiKey string, opts ...Option) *Strategy {
	s := &Strategy{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(s)
	}

	httpClient := &http.Client{Timeout: providers.DefaultTimeout}

	s.client = anthropic.NewClient(
		option.WithAPIKey(s.apiKey),
		option.WithBaseURL(s.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return s
}

func (s *Strategy) Kind() providers.Kind { return providers.KindAnthropic }

func (s *Strategy) HealthCheck(ctx context.Context) error {
	// Cheap auth/connectivity check: GET /v1/models with limit 1.
	_, err := s.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toStrategyError(err))
	}
	return nil
}

func (s *Strategy) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.NormalizedResult, error) {
	maxTokens := req.Params.MaxTokens
	if maxTokens == 0 {
		maxTokens = providers.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					{OfText: &anthropic.TextBlockParam{Text: req.Prompt}},
				},
			},
		},
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}

	msg, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, toStrategyError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.NormalizedResult{
		Content:      sb.String(),
		FinishReason: string(msg.StopReason),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// StrategyError is a structured error returned by the Anthropic API.
type StrategyError struct {
	StatusCode int
	Message    string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StrategyError) HTTPStatus() int { return e.StatusCode }

func toStrategyError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &StrategyError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
