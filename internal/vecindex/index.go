// Package vecindex is the in-memory vector index behind the semantic cache.
//
// Entries are keyed by (projectID, fingerprint) for exact lookup and scanned
// with cosine similarity for nearest-neighbor lookup. Project isolation is
// absolute: no operation ever crosses a project boundary.
package vecindex

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Entry is one cached completion with its prompt vector and accounting
// metadata.
type Entry struct {
	Fingerprint string
	ProjectID   string
	Endpoint    string
	Provider    string
	Model       string

	// Vector is the unit-normalized prompt embedding. May be nil when the
	// embedder was unavailable at insert time; such entries serve exact
	// lookups only.
	Vector []float32

	Completion       []byte
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64

	CreatedAt time.Time
	// ExpiresAt nil means the entry never expires.
	ExpiresAt *time.Time
	HitCount  int64
}

// Match is a nearest-neighbor result.
type Match struct {
	Entry *Entry
	Score float64
}

// Filter selects entries for invalidation. Zero-valued fields do not
// constrain. All set makes the other fields irrelevant.
type Filter struct {
	Model    string
	Endpoint string
	Before   *time.Time
	After    *time.Time
	All      bool
}

// Stats summarizes one project's cache population.
type Stats struct {
	Entries   int64            `json:"entries"`
	TotalHits int64            `json:"totalHits"`
	AgeBucket map[string]int64 `json:"ageBuckets"`
}

type projectKey struct{ project, fingerprint string }

// Index is a concurrency-safe flat index. Nearest-neighbor lookup is a linear
// scan over one project's live entries, which stays well under the engine's
// lookup deadline at the per-project sizes this cache holds.
type Index struct {
	mu      sync.RWMutex
	entries map[projectKey]*Entry

	// byProject accelerates project-scoped scans and invalidation.
	byProject map[string]map[string]*Entry

	now func() time.Time
}

// New returns an empty index.
func New() *Index {
	return &Index{
		entries:   make(map[projectKey]*Entry),
		byProject: make(map[string]map[string]*Entry),
		now:       time.Now,
	}
}

// Put inserts or replaces the entry for (ProjectID, Fingerprint). Re-inserting
// an existing fingerprint replaces the completion and resets HitCount.
func (ix *Index) Put(e *Entry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = ix.now()
	}
	k := projectKey{e.ProjectID, e.Fingerprint}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries[k] = e
	proj := ix.byProject[e.ProjectID]
	if proj == nil {
		proj = make(map[string]*Entry)
		ix.byProject[e.ProjectID] = proj
	}
	proj[e.Fingerprint] = e
}

// ExactGet returns the live entry for (projectID, fingerprint). Expired
// entries are removed lazily and reported as absent.
func (ix *Index) ExactGet(projectID, fingerprint string) (*Entry, bool) {
	k := projectKey{projectID, fingerprint}

	ix.mu.RLock()
	e, ok := ix.entries[k]
	ix.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if ix.expired(e, ix.now()) {
		ix.mu.Lock()
		// Re-check under the write lock; a concurrent Put may have replaced it.
		if cur, still := ix.entries[k]; still && ix.expired(cur, ix.now()) {
			ix.removeLocked(cur)
		}
		ix.mu.Unlock()
		return nil, false
	}
	return e, true
}

// Nearest returns up to k live entries of the project and endpoint whose
// cosine similarity with vec is at least minScore, best first. Ties on score
// break by HitCount descending, then CreatedAt descending.
func (ix *Index) Nearest(projectID, endpoint string, vec []float32, k int, minScore float64) []Match {
	if k <= 0 || len(vec) == 0 {
		return nil
	}
	now := ix.now()

	ix.mu.RLock()
	proj := ix.byProject[projectID]
	matches := make([]Match, 0, k)
	for _, e := range proj {
		if e.Endpoint != endpoint || len(e.Vector) != len(vec) || ix.expired(e, now) {
			continue
		}
		score := dot(vec, e.Vector)
		if score >= minScore {
			matches = append(matches, Match{Entry: e, Score: score})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Entry.HitCount != b.Entry.HitCount {
			return a.Entry.HitCount > b.Entry.HitCount
		}
		return a.Entry.CreatedAt.After(b.Entry.CreatedAt)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// RecordHit bumps the hit counter for a served entry.
func (ix *Index) RecordHit(projectID, fingerprint string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[projectKey{projectID, fingerprint}]; ok {
		e.HitCount++
	}
}

// Invalidate removes the project's entries matched by f and returns the count
// removed. All dominates the other filter fields. A zero filter with All
// false removes nothing.
func (ix *Index) Invalidate(projectID string, f Filter) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	proj := ix.byProject[projectID]
	if len(proj) == 0 {
		return 0
	}
	if !f.All && f.Model == "" && f.Endpoint == "" && f.Before == nil && f.After == nil {
		return 0
	}

	removed := 0
	for _, e := range proj {
		if f.All || matchesFilter(e, f) {
			ix.removeLocked(e)
			removed++
		}
	}
	return removed
}

func matchesFilter(e *Entry, f Filter) bool {
	if f.Model != "" && e.Model != f.Model {
		return false
	}
	if f.Endpoint != "" && e.Endpoint != f.Endpoint {
		return false
	}
	if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
		return false
	}
	if f.After != nil && !e.CreatedAt.After(*f.After) {
		return false
	}
	return true
}

// Sweep removes all expired entries across every project and returns the
// count removed. The lifecycle runs this on a ticker.
func (ix *Index) Sweep() int {
	now := ix.now()

	ix.mu.Lock()
	defer ix.mu.Unlock()

	removed := 0
	for _, e := range ix.entries {
		if ix.expired(e, now) {
			ix.removeLocked(e)
			removed++
		}
	}
	return removed
}

// ProjectStats reports the project's live entry population bucketed by age.
func (ix *Index) ProjectStats(projectID string) Stats {
	now := ix.now()
	st := Stats{AgeBucket: map[string]int64{
		"lt1h": 0, "1h-6h": 0, "6h-24h": 0, "1d-7d": 0, "7d-30d": 0, "gt30d": 0,
	}}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	for _, e := range ix.byProject[projectID] {
		if ix.expired(e, now) {
			continue
		}
		st.Entries++
		st.TotalHits += e.HitCount
		st.AgeBucket[ageBucket(now.Sub(e.CreatedAt))]++
	}
	return st
}

func ageBucket(age time.Duration) string {
	switch {
	case age < time.Hour:
		return "lt1h"
	case age < 6*time.Hour:
		return "1h-6h"
	case age < 24*time.Hour:
		return "6h-24h"
	case age < 7*24*time.Hour:
		return "1d-7d"
	case age < 30*24*time.Hour:
		return "7d-30d"
	default:
		return "gt30d"
	}
}

// Len returns the number of entries, expired included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

func (ix *Index) expired(e *Entry, now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// removeLocked deletes e from both maps. Caller holds the write lock.
func (ix *Index) removeLocked(e *Entry) {
	delete(ix.entries, projectKey{e.ProjectID, e.Fingerprint})
	if proj := ix.byProject[e.ProjectID]; proj != nil {
		delete(proj, e.Fingerprint)
		if len(proj) == 0 {
			delete(ix.byProject, e.ProjectID)
		}
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	// Vectors are unit-normalized at insert; clamp residual float error.
	return math.Min(sum, 1)
}
