package telemetry

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// eventsDDL creates the events table. ReplacingMergeTree keyed on event_id
// collapses redelivered rows, so the pipeline can retry batches blindly.
const eventsDDL = `
CREATE TABLE IF NOT EXISTS gateway_events (
    event_id          String,
    kind              LowCardinality(String),
    ts                DateTime64(3, 'UTC'),
    tenant_id         String,
    project_id        String,
    run_id            String,
    env               LowCardinality(String),
    tags              Array(String),
    sdk_version       String,
    platform          LowCardinality(String),
    endpoint          LowCardinality(String),
    provider          LowCardinality(String),
    model             LowCardinality(String),
    cache_status      LowCardinality(String),
    stream            Bool,
    status            Int32,
    latency_ms        Int64,
    prompt_tokens     Int32,
    completion_tokens Int32,
    cost_usd          Float64,
    cost_saved_usd    Float64,
    similarity        Float64,
    error_code        String,
    prompt_preview    String
)
ENGINE = ReplacingMergeTree
PARTITION BY toYYYYMM(ts)
ORDER BY (event_id)
`

// ClickHouseSink writes event batches to the analytics store.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects and ensures the events table exists.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if err := conn.Exec(ctx, eventsDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// WriteBatch inserts events in one batch.
func (s *ClickHouseSink) WriteBatch(ctx context.Context, events []Event) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO gateway_events")
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, e := range events {
		kind := e.Kind
		if kind == "" {
			kind = KindPromptCall
		}
		tags := e.Tags
		if tags == nil {
			tags = []string{}
		}
		if err := batch.Append(
			e.EventID,
			kind,
			e.Timestamp,
			e.TenantID,
			e.ProjectID,
			e.RunID,
			e.Env,
			tags,
			e.SDKVersion,
			e.Platform,
			e.Endpoint,
			e.Provider,
			e.Model,
			e.CacheStatus,
			e.Stream,
			int32(e.Status),
			e.LatencyMS,
			int32(e.PromptTokens),
			int32(e.CompletionTokens),
			e.CostUSD,
			e.CostSavedUSD,
			e.Similarity,
			e.ErrorCode,
			e.PromptPreview,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return batch.Send()
}

// Ping verifies connectivity for health checks.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
