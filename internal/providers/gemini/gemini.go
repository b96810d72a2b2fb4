// Package gemini implements providers.Strategy for Google Gemini using the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/arbiterlabs/ai-gateway/internal/providers"
)

// Strategy calls Google Gemini. Safe for concurrent use.
type Strategy struct {
	apiKey string
	client *genai.Client
}

// New creates a Gemini Strategy. Returns an error when the SDK client
// cannot be constructed (e.g. malformed credentials).
func New(ctx context.Context, apiKey string) (*Strategy, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: providers.DefaultTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}

	return &Strategy{apiKey: apiKey, client: client}, nil
}

func (s *Strategy) Kind() providers.Kind { return providers.KindGemini }

func (s *Strategy) HealthCheck(ctx context.Context) error {
	_, err := s.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toStrategyError(err))
	}
	return nil
}

func (s *Strategy) Invoke(ctx context.Context, req *providers.InvokeRequest) (*providers.NormalizedResult, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}

	var cfg *genai.GenerateContentConfig
	if req.Params.Temperature > 0 || req.Params.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.Params.Temperature > 0 {
			cfg.Temperature = genai.Ptr[float32](float32(req.Params.Temperature))
		}
		if req.Params.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.Params.MaxTokens)
		}
	}

	resp, err := s.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, toStrategyError(err)
	}

	out := ""
	finish := ""
	if resp != nil {
		out = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = string(resp.Candidates[0].FinishReason)
		}
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.NormalizedResult{
		Content:      out,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

// StrategyError is a structured error returned by the Gemini API.
type StrategyError struct {
	StatusCode int
	Message    string
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements providers.StatusCoder.
func (e *StrategyError) HTTPStatus() int { return e.StatusCode }

func toStrategyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StrategyError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return err
}
