// Package openaicompat provides a generic providers.Strategy for any service
// that implements the OpenAI chat completions API (xAI, Groq, DeepSeek,
// Together AI, local inference servers, and so on).
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// Strategy is a configurable OpenAI-compatible backend.
type Strategy struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates an OpenAI-compatible Strategy.
//
//   - name    — identifier used in error messages.
//   - apiKey  — sent as "Authorization: Bearer <key>".
//   - baseURL — API base URL, e.g. "https://api.x.ai/v1". Required.
func New(name, apiKey, baseURL string) *Strategy {
	s := &Strategy{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(s.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.DefaultTimeout}),
	}
	if s.baseURL != "" {
		opts = append(opts, option.WithBaseURL(s.baseURL))
	}

	s.client = openaiSDK.NewClient(opts...)
	return s
}

func (s *Strategy) Kind() providers.Kind { return providers.KindOpenAICompat }

func (s *Strategy) HealthCheck(ctx context.Context) error {
	_, err := s.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", s.name, s.toStrategyError(err))
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
		return nil, s.toStrategyError(err)
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

// StrategyError is a structured error returned by an OpenAI-compatible API.
type StrategyError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StrategyError) HTTPStatus() int { return e.StatusCode }

func (s *Strategy) toStrategyError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &StrategyError{
			Provider:   s.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
