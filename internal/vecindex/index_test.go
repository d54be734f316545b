package vecindex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndex(now time.Time) *Index {
	ix := New()
	ix.now = func() time.Time { return now }
	return ix
}

func entry(project, fp, endpoint, model string, vec []float32, created time.Time) *Entry {
	return &Entry{
		Fingerprint: fp,
		ProjectID:   project,
		Endpoint:    endpoint,
		Provider:    "openai",
		Model:       model,
		Vector:      vec,
		Completion:  []byte(`{"id":"chatcmpl-1"}`),
		CreatedAt:   created,
	}
}

func TestExactGetAndReplace(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	ix.Put(entry("p1", "fp1", "/v1/chat/completions", "gpt-4o", nil, now))
	e, ok := ix.ExactGet("p1", "fp1")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", e.Model)

	// Replacing the same fingerprint resets the hit counter.
	ix.RecordHit("p1", "fp1")
	ix.Put(entry("p1", "fp1", "/v1/chat/completions", "gpt-4o-mini", nil, now))
	e, ok = ix.ExactGet("p1", "fp1")
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", e.Model)
	assert.EqualValues(t, 0, e.HitCount)

	_, ok = ix.ExactGet("p2", "fp1")
	assert.False(t, ok, "projects must not see each other's entries")
}

func TestExpiryIsLazy(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	exp := now.Add(time.Hour)
	e := entry("p1", "fp1", "/v1/chat/completions", "gpt-4o", nil, now)
	e.ExpiresAt = &exp
	ix.Put(e)

	_, ok := ix.ExactGet("p1", "fp1")
	assert.True(t, ok)

	ix.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, ok = ix.ExactGet("p1", "fp1")
	assert.False(t, ok, "entry past ExpiresAt must read as absent")
	assert.Equal(t, 0, ix.Len(), "lazy expiry removes the entry")
}

func TestNearestOrderingAndTieBreaks(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	// All vectors unit-length in a 2d space for easy scoring.
	ix.Put(entry("p1", "close", "/v1/chat/completions", "gpt-4o", []float32{1, 0}, now))
	ix.Put(entry("p1", "mid", "/v1/chat/completions", "gpt-4o", []float32{0.9486833, 0.31622776}, now))
	ix.Put(entry("p1", "far", "/v1/chat/completions", "gpt-4o", []float32{0, 1}, now))

	got := ix.Nearest("p1", "/v1/chat/completions", []float32{1, 0}, 5, 0.85)
	require.Len(t, got, 2)
	assert.Equal(t, "close", got[0].Entry.Fingerprint)
	assert.Equal(t, "mid", got[1].Entry.Fingerprint)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	// Equal scores: higher HitCount wins, then newer CreatedAt.
	ix2 := testIndex(now)
	a := entry("p1", "a", "/v1/chat/completions", "gpt-4o", []float32{1, 0}, now.Add(-2*time.Hour))
	b := entry("p1", "b", "/v1/chat/completions", "gpt-4o", []float32{1, 0}, now.Add(-time.Hour))
	c := entry("p1", "c", "/v1/chat/completions", "gpt-4o", []float32{1, 0}, now)
	b.HitCount = 7
	ix2.Put(a)
	ix2.Put(b)
	ix2.Put(c)

	got = ix2.Nearest("p1", "/v1/chat/completions", []float32{1, 0}, 3, 0.99)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Entry.Fingerprint, "hit count breaks score ties")
	assert.Equal(t, "c", got[1].Entry.Fingerprint, "recency breaks hit-count ties")
	assert.Equal(t, "a", got[2].Entry.Fingerprint)
}

func TestNearestScopesEndpointAndDimension(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	ix.Put(entry("p1", "chat", "/v1/chat/completions", "gpt-4o", []float32{1, 0}, now))
	ix.Put(entry("p1", "legacy", "/v1/completions", "gpt-4o", []float32{1, 0}, now))
	ix.Put(entry("p1", "odd-dim", "/v1/chat/completions", "gpt-4o", []float32{1, 0, 0}, now))
	ix.Put(entry("p1", "no-vec", "/v1/chat/completions", "gpt-4o", nil, now))

	got := ix.Nearest("p1", "/v1/chat/completions", []float32{1, 0}, 5, 0.5)
	require.Len(t, got, 1)
	assert.Equal(t, "chat", got[0].Entry.Fingerprint)
}

func TestInvalidate(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	ix.Put(entry("p1", "f1", "/v1/chat/completions", "gpt-4o", nil, now.Add(-time.Hour)))
	ix.Put(entry("p1", "f2", "/v1/chat/completions", "gpt-4o-mini", nil, now.Add(-time.Hour)))
	ix.Put(entry("p1", "f3", "/v1/completions", "gpt-4o", nil, now))
	ix.Put(entry("p2", "f4", "/v1/chat/completions", "gpt-4o", nil, now))

	assert.Equal(t, 0, ix.Invalidate("p1", Filter{}), "empty filter removes nothing")

	assert.Equal(t, 1, ix.Invalidate("p1", Filter{Model: "gpt-4o-mini"}))
	_, ok := ix.ExactGet("p1", "f2")
	assert.False(t, ok)

	cutoff := now.Add(-30 * time.Minute)
	assert.Equal(t, 1, ix.Invalidate("p1", Filter{Before: &cutoff}))

	// All dominates other fields.
	assert.Equal(t, 1, ix.Invalidate("p1", Filter{All: true, Model: "no-such-model"}))
	assert.EqualValues(t, 0, ix.ProjectStats("p1").Entries)

	// Other projects untouched throughout.
	_, ok = ix.ExactGet("p2", "f4")
	assert.True(t, ok)
}

func TestSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	dead := entry("p1", "dead", "/v1/chat/completions", "gpt-4o", nil, now.Add(-2*time.Hour))
	dead.ExpiresAt = &past
	live := entry("p1", "live", "/v1/chat/completions", "gpt-4o", nil, now)
	live.ExpiresAt = &future
	forever := entry("p1", "forever", "/v1/chat/completions", "gpt-4o", nil, now)

	ix.Put(dead)
	ix.Put(live)
	ix.Put(forever)

	assert.Equal(t, 1, ix.Sweep())
	assert.Equal(t, 2, ix.Len())
}

func TestProjectStatsAgeBuckets(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ix := testIndex(now)

	ages := map[string]time.Duration{
		"a": 30 * time.Minute,
		"b": 3 * time.Hour,
		"c": 12 * time.Hour,
		"d": 3 * 24 * time.Hour,
		"e": 20 * 24 * time.Hour,
		"f": 45 * 24 * time.Hour,
	}
	for fp, age := range ages {
		e := entry("p1", fp, "/v1/chat/completions", "gpt-4o", nil, now.Add(-age))
		e.HitCount = 2
		ix.Put(e)
	}

	st := ix.ProjectStats("p1")
	assert.EqualValues(t, 6, st.Entries)
	assert.EqualValues(t, 12, st.TotalHits)
	for _, bucket := range []string{"lt1h", "1h-6h", "6h-24h", "1d-7d", "7d-30d", "gt30d"} {
		assert.EqualValues(t, 1, st.AgeBucket[bucket], "bucket %s", bucket)
	}
}
