// Package openai implements providers.Strategy for the OpenAI chat
// completions API using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// Strategy calls OpenAI. Safe for concurrent use.
type Strategy struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(s *Strategy) { s.baseURL = u }
}

// New creates an OpenAI Strategy.
func New(apiKey string, opts ...Option) *Strategy {
	s := &Strategy{apiKey: apiKey}
	for _, o := range opts {
		o(s)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(s.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	}
	if s.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(s.baseURL))
	}

	s.client = openaiSDK.NewClient(clientOpts...)
	return s
}

func (s *Strategy) Kind() providers.Kind { return providers.KindOpenAI }

func (s *Strategy) HealthCheck(ctx context.Context) error {
	_, err := s.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toStrategyError(err))
	}
	return nil
}

func (s *Strategy) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.NormalizedResult, error) {
	params := openaiSDK.ChatCompletionNewParams{
		Model: req.Model,
		Messages: []openaiSDK.ChatCompletionMessageParamUnion{
			openaiSDK.UserMessage(req.Prompt),
		},
	}
	if req.Params.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Params.Temperature)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.Params.MaxTokens))
	}

	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, toStrategyError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	return &providers.NormalizedResult{
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// StrategyError is a structured error returned by the OpenAI API.
type StrategyError struct {
	StatusCode int
	Message    string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StrategyError) HTTPStatus() int { return e.StatusCode }

func toStrategyError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &StrategyError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
