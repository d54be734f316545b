// Package semcache is the semantic response cache: exact fingerprint lookup
// backed by nearest-neighbor similarity search, with request coalescing for
// concurrent identical misses.
package semcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

// TTL sentinel and bounds, in seconds.
const (
	// TTLForever marks entries that never expire.
	TTLForever int64 = 0

	MinTTLSeconds int64 = 60
	MaxTTLSeconds int64 = 31_536_000 // one year
)

// NearestK is how many candidates the similarity search considers.
const NearestK = 5

// MaxInflight caps coalesced misses. Past the cap new misses go straight to
// the provider instead of queueing behind a leader.
const MaxInflight = 10_000

// ValidateTTL checks a TTL value in seconds: TTLForever or within bounds.
func ValidateTTL(seconds int64) error {
	if seconds == TTLForever {
		return nil
	}
	if seconds < MinTTLSeconds || seconds > MaxTTLSeconds {
		return fmt.Errorf("ttl %d out of range [%d, %d]", seconds, MinTTLSeconds, MaxTTLSeconds)
	}
	return nil
}

// CacheableEndpoints are the request paths cache entries are keyed under, and
// therefore the only valid keys of a per-endpoint TTL override map.
var CacheableEndpoints = []string{
	"/v1/chat/completions",
	"/v1/completions",
	"/v1/embeddings",
}

// ValidateOverrideEndpoint rejects TTL override keys that no cache entry
// would ever match, so a typoed path fails loudly instead of being stored as
// a dead override.
func ValidateOverrideEndpoint(endpoint string) error {
	for _, e := range CacheableEndpoints {
		if endpoint == e {
			return nil
		}
	}
	return fmt.Errorf("unknown endpoint %q", endpoint)
}

// Embedder produces the prompt vector for similarity search. The real one
// has its own internal deadline and may fail; the engine degrades to exact
// matching when it does.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Kind classifies how a lookup hit was found.
type Kind string

const (
	KindExact    Kind = "EXACT"
	KindSemantic Kind = "SEMANTIC"
)

// Query identifies one cache lookup.
type Query struct {
	ProjectID   string
	Endpoint    string
	Fingerprint string
	// PromptText is the embedder input for the semantic pass.
	PromptText string
	// Threshold is the project's minimum cosine similarity.
	Threshold float64
}

// Hit is a successful lookup.
type Hit struct {
	Entry *vecindex.Entry
	Kind  Kind
	// Score is the cosine similarity; 1 for exact hits.
	Score float64
}

// Result carries the lookup outcome plus the prompt vector, so a miss can
// insert later without embedding twice. Vector is nil when the embedder was
// unavailable.
type Result struct {
	Hit    *Hit
	Vector []float32
}

// Engine ties the vector index, the embedder and miss coalescing together.
type Engine struct {
	index    *vecindex.Index
	embedder Embedder
	log      *slog.Logger

	group    singleflight.Group
	inflight atomic.Int64
}

func New(index *vecindex.Index, embedder Embedder, log *slog.Logger) *Engine {
	return &Engine{index: index, embedder: embedder, log: log}
}

// Index exposes the underlying vector index for admin operations
// (invalidation, stats, sweeping).
func (e *Engine) Index() *vecindex.Index { return e.index }

// Lookup runs the two-pass cache check: exact fingerprint first, then
// nearest-neighbor above the project threshold. Result.Hit nil means miss.
func (e *Engine) Lookup(ctx context.Context, q Query) Result {
	if entry, ok := e.index.ExactGet(q.ProjectID, q.Fingerprint); ok {
		e.index.RecordHit(q.ProjectID, q.Fingerprint)
		return Result{Hit: &Hit{Entry: entry, Kind: KindExact, Score: 1}}
	}

	if e.embedder == nil {
		return Result{}
	}
	vec, err := e.embedder.Embed(ctx, q.PromptText)
	if err != nil {
		// Exact matching carried the lookup; semantic pass is best effort.
		e.log.Warn("embedder unavailable, semantic pass skipped",
			slog.String("project_id", q.ProjectID),
			slog.String("error", err.Error()))
		return Result{}
	}

	matches := e.index.Nearest(q.ProjectID, q.Endpoint, vec, NearestK, q.Threshold)
	if len(matches) == 0 {
		return Result{Vector: vec}
	}
	best := matches[0]
	e.index.RecordHit(q.ProjectID, best.Entry.Fingerprint)
	return Result{
		Hit:    &Hit{Entry: best.Entry, Kind: KindSemantic, Score: best.Score},
		Vector: vec,
	}
}

// Insert stores a completion. Only terminal completions belong in the cache;
// the caller verifies the finish reason first. ttlSeconds TTLForever keeps
// the entry until invalidated.
func (e *Engine) Insert(entry *vecindex.Entry, ttlSeconds int64) {
	if len(entry.Completion) == 0 {
		return
	}
	entry.CreatedAt = time.Now()
	if ttlSeconds != TTLForever {
		exp := entry.CreatedAt.Add(time.Duration(ttlSeconds) * time.Second)
		entry.ExpiresAt = &exp
	}
	e.index.Put(entry)
}

// EffectiveTTL resolves the TTL in seconds for an endpoint: the per-endpoint
// override when present, else the project default.
func EffectiveTTL(defaultTTL int64, overrides map[string]int64, endpoint string) int64 {
	if ttl, ok := overrides[endpoint]; ok {
		return ttl
	}
	return defaultTTL
}

// Coalesce deduplicates concurrent identical misses: one leader calls fn and
// every follower with the same (project, fingerprint) shares its result.
// When in-flight leaders exceed MaxInflight, fn runs directly instead —
// shedding coalescing, never requests.
func (e *Engine) Coalesce(projectID, fingerprint string, fn func() (any, error)) (v any, shared bool, err error) {
	if e.inflight.Load() >= MaxInflight {
		v, err = fn()
		return v, false, err
	}

	key := projectID + ":" + fingerprint
	e.inflight.Add(1)
	defer e.inflight.Add(-1)

	v, err, shared = e.group.Do(key, fn)
	return v, shared, err
}
