package semcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

type stubEmbedder struct {
	vec   []float32
	err   error
	calls atomic.Int64
}

func (s *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	s.calls.Add(1)
	return s.vec, s.err
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedEntry(fp string, vec []float32) *vecindex.Entry {
	return &vecindex.Entry{
		Fingerprint: fp,
		ProjectID:   "p1",
		Endpoint:    "/v1/chat/completions",
		Provider:    "openai",
		Model:       "gpt-4o",
		Vector:      vec,
		Completion:  []byte(`{"id":"chatcmpl-1"}`),
	}
}

func TestLookupExactWinsWithoutEmbedding(t *testing.T) {
	ix := vecindex.New()
	emb := &stubEmbedder{vec: []float32{1, 0}}
	e := New(ix, emb, discardLog())

	ix.Put(seedEntry("fp1", []float32{1, 0}))

	res := e.Lookup(context.Background(), Query{
		ProjectID: "p1", Endpoint: "/v1/chat/completions",
		Fingerprint: "fp1", PromptText: "hello", Threshold: 0.92,
	})
	require.NotNil(t, res.Hit)
	assert.Equal(t, KindExact, res.Hit.Kind)
	assert.Equal(t, 1.0, res.Hit.Score)
	assert.EqualValues(t, 0, emb.calls.Load(), "exact hits never call the embedder")
}

func TestLookupSemantic(t *testing.T) {
	ix := vecindex.New()
	emb := &stubEmbedder{vec: []float32{1, 0}}
	e := New(ix, emb, discardLog())

	ix.Put(seedEntry("cached", []float32{0.999, 0.0447}))

	res := e.Lookup(context.Background(), Query{
		ProjectID: "p1", Endpoint: "/v1/chat/completions",
		Fingerprint: "different-fp", PromptText: "hello", Threshold: 0.92,
	})
	require.NotNil(t, res.Hit)
	assert.Equal(t, KindSemantic, res.Hit.Kind)
	assert.Equal(t, "cached", res.Hit.Entry.Fingerprint)
	assert.Greater(t, res.Hit.Score, 0.92)
	assert.NotNil(t, res.Vector, "vector is returned for potential insert")
}

func TestLookupBelowThresholdMisses(t *testing.T) {
	ix := vecindex.New()
	emb := &stubEmbedder{vec: []float32{1, 0}}
	e := New(ix, emb, discardLog())

	ix.Put(seedEntry("cached", []float32{0.5, 0.866}))

	res := e.Lookup(context.Background(), Query{
		ProjectID: "p1", Endpoint: "/v1/chat/completions",
		Fingerprint: "fp-x", PromptText: "hello", Threshold: 0.92,
	})
	assert.Nil(t, res.Hit)
	assert.NotNil(t, res.Vector)
}

func TestLookupDegradesWhenEmbedderFails(t *testing.T) {
	ix := vecindex.New()
	emb := &stubEmbedder{err: errors.New("deadline exceeded")}
	e := New(ix, emb, discardLog())

	ix.Put(seedEntry("cached", []float32{1, 0}))

	res := e.Lookup(context.Background(), Query{
		ProjectID: "p1", Endpoint: "/v1/chat/completions",
		Fingerprint: "fp-x", PromptText: "hello", Threshold: 0.92,
	})
	assert.Nil(t, res.Hit, "semantic pass is skipped, not failed")
	assert.Nil(t, res.Vector)
}

func TestInsertTTL(t *testing.T) {
	ix := vecindex.New()
	e := New(ix, nil, discardLog())

	e.Insert(seedEntry("forever", nil), TTLForever)
	entry, ok := ix.ExactGet("p1", "forever")
	require.True(t, ok)
	assert.Nil(t, entry.ExpiresAt, "ttl 0 entries never expire")

	e.Insert(seedEntry("bounded", nil), 3600)
	entry, ok = ix.ExactGet("p1", "bounded")
	require.True(t, ok)
	require.NotNil(t, entry.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *entry.ExpiresAt, time.Minute)

	// Empty completions are never stored.
	empty := seedEntry("empty", nil)
	empty.Completion = nil
	e.Insert(empty, 3600)
	_, ok = ix.ExactGet("p1", "empty")
	assert.False(t, ok)
}

func TestEffectiveTTL(t *testing.T) {
	overrides := map[string]int64{
		"/v1/chat/completions": 600,
		"/v1/completions":      TTLForever,
	}

	assert.EqualValues(t, 600, EffectiveTTL(3600, overrides, "/v1/chat/completions"))
	assert.EqualValues(t, TTLForever, EffectiveTTL(3600, overrides, "/v1/completions"),
		"an explicit forever override wins over the default")
	assert.EqualValues(t, 3600, EffectiveTTL(3600, overrides, "/v1/embeddings"))
	assert.EqualValues(t, 3600, EffectiveTTL(3600, nil, "/v1/chat/completions"))
}

func TestValidateTTL(t *testing.T) {
	assert.NoError(t, ValidateTTL(TTLForever))
	assert.NoError(t, ValidateTTL(60))
	assert.NoError(t, ValidateTTL(31_536_000))
	assert.Error(t, ValidateTTL(59))
	assert.Error(t, ValidateTTL(31_536_001))
	assert.Error(t, ValidateTTL(-1))
}

func TestValidateOverrideEndpoint(t *testing.T) {
	for _, e := range CacheableEndpoints {
		assert.NoError(t, ValidateOverrideEndpoint(e))
	}
	assert.Error(t, ValidateOverrideEndpoint("/v1/chat/completion"),
		"a typoed path must fail instead of being stored as a dead override")
	assert.Error(t, ValidateOverrideEndpoint(""))
	assert.Error(t, ValidateOverrideEndpoint("/v1/models"))
}

func TestCoalesce(t *testing.T) {
	e := New(vecindex.New(), nil, discardLog())

	var calls atomic.Int64
	release := make(chan struct{})

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]any, waiters)
	shared := make([]bool, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, sh, err := e.Coalesce("p1", "fp1", func() (any, error) {
				calls.Add(1)
				<-release
				return "completion", nil
			})
			assert.NoError(t, err)
			results[i] = v
			shared[i] = sh
		}(i)
	}

	// Let all goroutines pile onto the same key, then release the leader.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "one provider call serves all waiters")
	sharedCount := 0
	for i := range results {
		assert.Equal(t, "completion", results[i])
		if shared[i] {
			sharedCount++
		}
	}
	assert.GreaterOrEqual(t, sharedCount, waiters-1)
}

func TestCoalesceDistinctKeysDoNotShare(t *testing.T) {
	e := New(vecindex.New(), nil, discardLog())

	var calls atomic.Int64
	for _, key := range []struct{ project, fp string }{
		{"p1", "fp1"}, {"p1", "fp2"}, {"p2", "fp1"},
	} {
		_, _, err := e.Coalesce(key.project, key.fp, func() (any, error) {
			calls.Add(1)
			return nil, nil
		})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestCoalesceBypassesWhenSaturated(t *testing.T) {
	e := New(vecindex.New(), nil, discardLog())
	e.inflight.Store(MaxInflight)

	var calls atomic.Int64
	_, sh, err := e.Coalesce("p1", "fp1", func() (any, error) {
		calls.Add(1)
		return nil, nil
	})
	require.NoError(t, err)
	assert.False(t, sh)
	assert.EqualValues(t, 1, calls.Load(), "saturation sheds coalescing, not the request")
}
