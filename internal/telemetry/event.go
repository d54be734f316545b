// Package telemetry records one event per gateway request and ships them to
// ClickHouse in batches, off the request path.
package telemetry

import (
	"time"
)

// Cache status values recorded per request. They mirror the X-Cache header.
const (
	CacheExact    = "EXACT"
	CacheSemantic = "SEMANTIC"
	CacheMiss     = "MISS"
	CacheBypass   = "BYPASS"
)

// Event kinds. The gateway emits prompt_call itself; the rest arrive through
// the debug-event ingestion endpoint.
const (
	KindPromptCall            = "prompt_call"
	KindAgentStep             = "agent_step"
	KindError                 = "error"
	KindAssertionFailed       = "assertion_failed"
	KindHallucinationDetected = "hallucination_detected"
	KindCostThresholdExceeded = "cost_threshold_exceeded"
)

// ValidKind reports whether k is a known event kind.
func ValidKind(k string) bool {
	switch k {
	case KindPromptCall, KindAgentStep, KindError, KindAssertionFailed,
		KindHallucinationDetected, KindCostThresholdExceeded:
		return true
	}
	return false
}

// Event is one request or debug record. EventID deduplicates redelivered
// batches in ClickHouse (ReplacingMergeTree keyed on it).
type Event struct {
	EventID   string    `json:"eventId"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	TenantID  string `json:"tenantId"`
	ProjectID string `json:"projectId"`

	// RunID groups the events of one agent run; empty for plain gateway
	// requests.
	RunID string   `json:"runId,omitempty"`
	Env   string   `json:"env,omitempty"`
	Tags  []string `json:"tags,omitempty"`

	SDKVersion string `json:"sdkVersion,omitempty"`
	Platform   string `json:"platform,omitempty"`

	Endpoint    string `json:"endpoint"`
	Provider    string `json:"provider"`
	Model       string `json:"model"`
	CacheStatus string `json:"cacheStatus"`
	Stream      bool   `json:"stream"`

	Status    int   `json:"status"`
	LatencyMS int64 `json:"latencyMs"`

	PromptTokens     int     `json:"promptTokens"`
	CompletionTokens int     `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
	CostSavedUSD     float64 `json:"costSavedUsd"`

	// Similarity is set on SEMANTIC hits.
	Similarity float64 `json:"similarity,omitempty"`

	ErrorCode string `json:"errorCode,omitempty"`

	// PromptPreview is redacted and truncated before it leaves the gateway.
	PromptPreview string `json:"promptPreview,omitempty"`
}
