package telemetry

import (
	"context"
	"fmt"
	"time"
)

// ProjectStats aggregates a project's traffic over a window.
type ProjectStats struct {
	Requests     int64   `json:"requests"`
	ExactHits    int64   `json:"exactHits"`
	SemanticHits int64   `json:"semanticHits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hitRate"`

	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
	CostSavedUSD     float64 `json:"costSavedUsd"`

	AvgLatencyMS float64 `json:"avgLatencyMs"`
	Errors       int64   `json:"errors"`
}

// TimeSeriesPoint is one bucket of a time series.
type TimeSeriesPoint struct {
	Bucket time.Time `json:"bucket"`
	Value  float64   `json:"value"`
}

// LogEntry is one row of the request log listing.
type LogEntry struct {
	EventID       string    `json:"eventId"`
	Kind          string    `json:"kind"`
	Timestamp     time.Time `json:"timestamp"`
	RunID         string    `json:"runId,omitempty"`
	Endpoint      string    `json:"endpoint"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	CacheStatus   string    `json:"cacheStatus"`
	Status        int32     `json:"status"`
	LatencyMS     int64     `json:"latencyMs"`
	CostUSD       float64   `json:"costUsd"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	PromptPreview string    `json:"promptPreview,omitempty"`
}

// periods maps the API period names to window and bucket sizes.
var periods = map[string]struct {
	Window time.Duration
	Bucket time.Duration
}{
	"1h":  {time.Hour, time.Minute},
	"6h":  {6 * time.Hour, 5 * time.Minute},
	"24h": {24 * time.Hour, time.Hour},
	"7d":  {7 * 24 * time.Hour, 6 * time.Hour},
	"30d": {30 * 24 * time.Hour, 24 * time.Hour},
}

// metricExprs maps the API metric names to aggregate expressions.
var metricExprs = map[string]string{
	"requests": "toFloat64(count())",
	"cost":     "sum(cost_usd)",
	"latency":  "avg(latency_ms)",
	"errors":   "toFloat64(countIf(status >= 400))",
}

// ValidPeriod reports whether the API accepts this period name.
func ValidPeriod(p string) bool { _, ok := periods[p]; return ok }

// ValidMetric reports whether the API accepts this metric name.
func ValidMetric(m string) bool { _, ok := metricExprs[m]; return ok }

// GetProjectStats aggregates the project's events for the period.
func (s *ClickHouseSink) GetProjectStats(ctx context.Context, projectID, period string) (*ProjectStats, error) {
	p, ok := periods[period]
	if !ok {
		return nil, fmt.Errorf("unknown period %q", period)
	}
	since := time.Now().Add(-p.Window)

	st := &ProjectStats{}
	row := s.conn.QueryRow(ctx, `
		SELECT
			count(),
			countIf(cache_status = 'EXACT'),
			countIf(cache_status = 'SEMANTIC'),
			countIf(cache_status = 'MISS'),
			sum(prompt_tokens),
			sum(completion_tokens),
			sum(cost_usd),
			sum(cost_saved_usd),
			avg(latency_ms),
			countIf(status >= 400)
		FROM gateway_events
		WHERE project_id = ? AND ts >= ? AND kind = 'prompt_call'`,
		projectID, since)
	// count()/countIf() come back as UInt64, sums of Int32 as Int64.
	var requests, exact, semantic, misses, errCount uint64
	if err := row.Scan(&requests, &exact, &semantic, &misses,
		&st.PromptTokens, &st.CompletionTokens, &st.CostUSD, &st.CostSavedUSD,
		&st.AvgLatencyMS, &errCount); err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	st.Requests = int64(requests)
	st.ExactHits = int64(exact)
	st.SemanticHits = int64(semantic)
	st.Misses = int64(misses)
	st.Errors = int64(errCount)

	if served := st.ExactHits + st.SemanticHits + st.Misses; served > 0 {
		st.HitRate = float64(st.ExactHits+st.SemanticHits) / float64(served)
	}
	return st, nil
}

// GetTimeSeries returns one metric bucketed over the period. Empty buckets
// are filled with zero so charts have no gaps.
func (s *ClickHouseSink) GetTimeSeries(ctx context.Context, projectID, period, metric string) ([]TimeSeriesPoint, error) {
	p, ok := periods[period]
	if !ok {
		return nil, fmt.Errorf("unknown period %q", period)
	}
	expr, ok := metricExprs[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}

	now := time.Now().UTC()
	since := now.Add(-p.Window)
	bucketSecs := int64(p.Bucket / time.Second)

	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT toStartOfInterval(ts, INTERVAL %d SECOND) AS bucket, %s AS value
		FROM gateway_events
		WHERE project_id = ? AND ts >= ? AND kind = 'prompt_call'
		GROUP BY bucket
		ORDER BY bucket`, bucketSecs, expr),
		projectID, since)
	if err != nil {
		return nil, fmt.Errorf("time series: %w", err)
	}
	defer rows.Close()

	have := map[int64]float64{}
	for rows.Next() {
		var bucket time.Time
		var value float64
		if err := rows.Scan(&bucket, &value); err != nil {
			return nil, err
		}
		have[bucket.Unix()] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []TimeSeriesPoint
	for t := since.Truncate(p.Bucket); !t.After(now); t = t.Add(p.Bucket) {
		out = append(out, TimeSeriesPoint{Bucket: t, Value: have[t.Unix()]})
	}
	return out, nil
}

// LogFilter narrows the request log listing. Zero values match everything.
type LogFilter struct {
	Status int
	Model  string
	RunID  string
}

// GetLogs returns the project's request log, newest first, paginated.
func (s *ClickHouseSink) GetLogs(ctx context.Context, projectID string, f LogFilter, limit, offset int) ([]LogEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	where := "project_id = ?"
	args := []any{projectID}
	if f.Status != 0 {
		where += " AND status = ?"
		args = append(args, int32(f.Status))
	}
	if f.Model != "" {
		where += " AND model = ?"
		args = append(args, f.Model)
	}
	if f.RunID != "" {
		where += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	args = append(args, limit, offset)

	rows, err := s.conn.Query(ctx, `
		SELECT event_id, kind, ts, run_id, endpoint, provider, model, cache_status,
		       status, latency_ms, cost_usd, error_code, prompt_preview
		FROM gateway_events
		WHERE `+where+`
		ORDER BY ts DESC
		LIMIT ? OFFSET ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("logs: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0, limit)
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.EventID, &e.Kind, &e.Timestamp, &e.RunID, &e.Endpoint, &e.Provider, &e.Model,
			&e.CacheStatus, &e.Status, &e.LatencyMS, &e.CostUSD, &e.ErrorCode, &e.PromptPreview); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MonthCostUSD sums the project's spend for a calendar month ("200601").
// Cost alerts compare this against the tenant's budget.
func (s *ClickHouseSink) MonthCostUSD(ctx context.Context, projectID, period string) (float64, error) {
	start, err := time.Parse("200601", period)
	if err != nil {
		return 0, fmt.Errorf("bad period %q: %w", period, err)
	}
	end := start.AddDate(0, 1, 0)

	var cost float64
	row := s.conn.QueryRow(ctx, `
		SELECT sum(cost_usd) FROM gateway_events
		WHERE project_id = ? AND ts >= ? AND ts < ?`,
		projectID, start, end)
	if err := row.Scan(&cost); err != nil {
		return 0, fmt.Errorf("month cost: %w", err)
	}
	return cost, nil
}
