package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/arbiterlabs/ai-gateway/internal/budget"
	"github.com/arbiterlabs/ai-gateway/internal/feedback"
	"github.com/arbiterlabs/ai-gateway/internal/providers"
	"github.com/arbiterlabs/ai-gateway/internal/queue"
	routerpkg "github.com/arbiterlabs/ai-gateway/internal/router"
	"github.com/arbiterlabs/ai-gateway/pkg/apierr"
)

// ─────────────────────────────────────────────────────────────────────────────
// Request / response shapes
// ─────────────────────────────────────────────────────────────────────────────

type dispatchRequest struct {
	Tenant   string          `json:"tenant"`
	TaskType string          `json:"task_type"`
	Prompt   string          `json:"prompt"`
	Caller   string          `json:"caller"`
	Params   *dispatchParams `json:"params,omitempty"`
}

type dispatchParams struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	TimeoutMs   int     `json:"timeout_ms,omitempty"`
}

type dispatchResponse struct {
	RequestID    string  `json:"request_id"`
	Provider     string  `json:"provider"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cached       bool    `json:"cached"`
	CostUSD      float64 `json:"cost_usd"`
}

type enqueueRequest struct {
	TaskType    string          `json:"task_type"`
	Priority    string          `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	DelayMs     int             `json:"delay_ms,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleDispatch(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	var req dispatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.TaskType == "" {
		apierr.WriteInvalidRequest(ctx, "field 'task_type' is required")
		return
	}
	if req.Prompt == "" {
		apierr.WriteInvalidRequest(ctx, "field 'prompt' is required")
		return
	}

	tenant := req.Tenant
	if tenant == "" {
		tenant = string(ctx.Request.Header.Peek("X-Tenant"))
	}

	if !s.allowRate(ctx, tenant) {
		apierr.WriteRateLimit(ctx)
		return
	}

	var params *providers.GenerationParams
	if req.Params != nil {
		params = &providers.GenerationParams{
			MaxTokens:   req.Params.MaxTokens,
			Temperature: req.Params.Temperature,
			Timeout:     time.Duration(req.Params.TimeoutMs) * time.Millisecond,
		}
	}

	res, err := s.router.Dispatch(s.baseCtx, &routerpkg.Request{
		Tenant:    tenant,
		TaskType:  req.TaskType,
		Prompt:    req.Prompt,
		Caller:    req.Caller,
		RequestID: reqID,
		Params:    params,
	})
	if err != nil {
		s.writeDispatchError(ctx, reqID, err)
		return
	}

	writeJSON(ctx, dispatchResponse{
		RequestID:    reqID,
		Provider:     res.Provider,
		Content:      res.Content,
		FinishReason: res.FinishReason,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		Cached:       res.Cached,
		CostUSD:      res.CostUSD,
	})
}

// writeDispatchError maps router failures onto the error envelope. Consensus
// failures additionally carry the per-provider replies so callers can apply
// their own tiebreak.
func (s *Server) writeDispatchError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	var noConsensus *routerpkg.NoConsensusError
	var allFailed *routerpkg.AllProvidersFailedError

	switch {
	case errors.Is(err, routerpkg.ErrNoPolicy):
		apierr.WriteInvalidRequest(ctx, err.Error())
	case errors.Is(err, budget.ErrBudgetExceeded):
		apierr.WriteBudgetExceeded(ctx, err.Error())
	case errors.As(err, &noConsensus):
		s.writeNoConsensus(ctx, noConsensus)
	case errors.As(err, &allFailed):
		apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(),
			apierr.TypeProviderError, apierr.CodeAllProvidersFailed)
	default:
		s.log.Error("dispatch_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternal(ctx)
	}
}

func (s *Server) writeNoConsensus(ctx *fasthttp.RequestCtx, e *routerpkg.NoConsensusError) {
	ctx.SetStatusCode(fasthttp.StatusConflict)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(map[string]any{
		"error": apierr.APIError{
			Message: e.Error(),
			Type:    apierr.TypeConsensusError,
			Code:    apierr.CodeNoConsensus,
		},
		"agreement": e.Agreement,
		"threshold": e.Threshold,
		"replies":   e.Replies,
	})
	ctx.SetBody(body)
}

func (s *Server) allowRate(ctx *fasthttp.RequestCtx, tenant string) bool {
	if s.limiter == nil {
		return true
	}
	ok, err := s.limiter.Allow(s.baseCtx, tenant)
	if err != nil {
		s.log.Warn("rate_limit_check_failed", slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		result := "allowed"
		if !ok {
			result = "blocked"
		}
		s.metrics.RecordRateLimit(result)
	}
	return ok
}

// ─────────────────────────────────────────────────────────────────────────────
// Deferred tasks
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleEnqueue(ctx *fasthttp.RequestCtx) {
	var req enqueueRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.TaskType == "" {
		apierr.WriteInvalidRequest(ctx, "field 'task_type' is required")
		return
	}

	snap, err := s.queue.Enqueue(
		req.TaskType,
		queue.ParsePriority(req.Priority),
		req.Payload,
		req.MaxAttempts,
		time.Duration(req.DelayMs)*time.Millisecond,
	)
	if err != nil {
		if errors.Is(err, queue.ErrUnknownTask) {
			apierr.WriteInvalidRequest(ctx, err.Error())
			return
		}
		apierr.WriteInternal(ctx)
		return
	}

	ctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(ctx, snap)
}

func (s *Server) handleGetTask(ctx *fasthttp.RequestCtx) {
	id, ok := taskID(ctx)
	if !ok {
		return
	}
	snap, err := s.queue.Get(id)
	if err != nil {
		apierr.WriteNotFound(ctx, fmt.Sprintf("task %s not found", id))
		return
	}
	writeJSON(ctx, snap)
}

func (s *Server) handleCancelTask(ctx *fasthttp.RequestCtx) {
	id, ok := taskID(ctx)
	if !ok {
		return
	}
	switch err := s.queue.Cancel(id); {
	case err == nil:
		snap, _ := s.queue.Get(id)
		writeJSON(ctx, snap)
	case errors.Is(err, queue.ErrNotFound):
		apierr.WriteNotFound(ctx, fmt.Sprintf("task %s not found", id))
	case errors.Is(err, queue.ErrTerminal):
		apierr.WriteConflict(ctx, "task already finished")
	default:
		apierr.WriteInternal(ctx)
	}
}

func (s *Server) handleRetryTask(ctx *fasthttp.RequestCtx) {
	id, ok := taskID(ctx)
	if !ok {
		return
	}
	snap, err := s.queue.Retry(id)
	switch {
	case err == nil:
		ctx.SetStatusCode(fasthttp.StatusAccepted)
		writeJSON(ctx, snap)
	case errors.Is(err, queue.ErrNotFound):
		apierr.WriteNotFound(ctx, fmt.Sprintf("task %s not found", id))
	case errors.Is(err, queue.ErrRetriesExhausted):
		apierr.WriteConflict(ctx, "retry attempts exhausted")
	default:
		apierr.WriteConflict(ctx, err.Error())
	}
}

func taskID(ctx *fasthttp.RequestCtx) (uuid.UUID, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := uuid.Parse(raw)
	if err != nil {
		apierr.WriteInvalidRequest(ctx, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

// ─────────────────────────────────────────────────────────────────────────────
// Feedback & scoring
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleFeedback(ctx *fasthttp.RequestCtx) {
	if s.feedback == nil {
		apierr.WriteInvalidRequest(ctx, "feedback is not enabled")
		return
	}

	var rec feedback.Record
	if err := json.Unmarshal(ctx.PostBody(), &rec); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.feedback.Submit(&rec); err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}
	if s.metrics != nil {
		s.metrics.RecordFeedback(rec.Overall)
	}

	ctx.SetStatusCode(fasthttp.StatusAccepted)
	writeJSON(ctx, map[string]any{"id": rec.ID, "status": "accepted"})
}

func (s *Server) handleWeights(ctx *fasthttp.RequestCtx) {
	if s.feedback == nil {
		writeJSON(ctx, map[string]any{"weights": map[string]float64{}})
		return
	}
	writeJSON(ctx, map[string]any{
		"weights": s.feedback.Weights(),
		"pending": s.feedback.PendingCount(),
	})
}

func (s *Server) handleRelearn(ctx *fasthttp.RequestCtx) {
	if s.feedback == nil {
		apierr.WriteInvalidRequest(ctx, "feedback is not enabled")
		return
	}
	n := s.feedback.Relearn()
	writeJSON(ctx, map[string]any{"rearmed": n})
}

// ─────────────────────────────────────────────────────────────────────────────
// Operational endpoints
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"providers": s.registry.Snapshots()})
}

func (s *Server) handleBudgets(ctx *fasthttp.RequestCtx) {
	if s.budget == nil {
		writeJSON(ctx, map[string]any{"tenants": []any{}})
		return
	}
	writeJSON(ctx, map[string]any{"tenants": s.budget.Snapshots()})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": "0.1.0"})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
