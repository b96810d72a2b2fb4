package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const auditDDL = `
CREATE TABLE IF NOT EXISTS audit_log (
	id            UUID,
	tenant        LowCardinality(String),
	provider      LowCardinality(String),
	task_type     LowCardinality(String),
	request_hash  String,
	outcome       LowCardinality(String),
	error         String,
	latency_ms    Int64,
	input_tokens  Int64,
	output_tokens Int64,
	cost_usd      Float64,
	caller        String,
	created_at    DateTime64(3, 'UTC')
)
ENGINE = MergeTree
PARTITION BY toYYYYMM(created_at)
ORDER BY (tenant, created_at)
TTL toDateTime(created_at) + INTERVAL 180 DAY
`

// ClickHouseSink persists audit batches to a ClickHouse table for
// long-term analytics. Write failures are logged and do not propagate:
// the slog sink remains the source of record when ClickHouse is down.
type ClickHouseSink struct {
	conn driver.Conn
	log  *slog.Logger
}

// NewClickHouseSink connects using dsn (e.g. clickhouse://host:9000/gateway),
// verifies the connection, and creates the audit table when absent.
func NewClickHouseSink(ctx context.Context, dsn string, log *slog.Logger) (*ClickHouseSink, error) {
	if log == nil {
		log = slog.Default()
	}

	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: parse clickhouse dsn: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("audit: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, auditDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("audit: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn, log: log}, nil
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, entries []Entry) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO audit_log")
	if err != nil {
		s.log.Warn("clickhouse batch prepare failed", slog.String("error", err.Error()))
		return nil
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.Tenant,
			e.Provider,
			e.TaskType,
			e.RequestHash,
			e.Outcome,
			e.Error,
			e.LatencyMs,
			e.InputTokens,
			e.OutputTokens,
			e.CostUSD,
			e.Caller,
			e.CreatedAt,
		); err != nil {
			s.log.Warn("clickhouse append failed", slog.String("error", err.Error()))
			return nil
		}
	}

	if err := batch.Send(); err != nil {
		s.log.Warn("clickhouse batch send failed",
			slog.Int("entries", len(entries)),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
