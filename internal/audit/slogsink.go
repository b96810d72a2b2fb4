package audit

import (
	"context"
	"log/slog"
)

// SlogSink writes audit entries to the structured log. Always configured;
// durable storage (ClickHouse) is layered on top when available.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps a logger. A nil logger uses slog.Default.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.log.InfoContext(ctx, "audit",
			slog.String("id", e.ID.String()),
			slog.String("tenant", e.Tenant),
			slog.String("provider", e.Provider),
			slog.String("task_type", e.TaskType),
			slog.String("request_hash", e.RequestHash),
			slog.String("outcome", e.Outcome),
			slog.String("error", e.Error),
			slog.Int64("latency_ms", e.LatencyMs),
			slog.Int64("input_tokens", e.InputTokens),
			slog.Int64("output_tokens", e.OutputTokens),
			slog.Float64("cost_usd", e.CostUSD),
			slog.String("caller", e.Caller),
			slog.Time("created_at", e.CreatedAt),
		)
	}
	return nil
}

func (s *SlogSink) Close() error { return nil }
