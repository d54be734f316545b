package admin

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

func TestRecommendThreshold(t *testing.T) {
	t.Run("too few samples keeps current", func(t *testing.T) {
		rec := RecommendThreshold(0.92, store.FeedbackStats{Samples: 9, Inaccurate: 9})
		assert.Equal(t, 0.92, rec.Recommended)
	})

	t.Run("high inaccuracy raises", func(t *testing.T) {
		rec := RecommendThreshold(0.92, store.FeedbackStats{Samples: 20, Inaccurate: 5})
		assert.InDelta(t, 0.95, rec.Recommended, 1e-9)
	})

	t.Run("raise is capped", func(t *testing.T) {
		rec := RecommendThreshold(0.97, store.FeedbackStats{Samples: 20, Inaccurate: 5})
		assert.InDelta(t, 0.98, rec.Recommended, 1e-9)
	})

	t.Run("low inaccuracy and high threshold lowers", func(t *testing.T) {
		rec := RecommendThreshold(0.92, store.FeedbackStats{Samples: 100, Inaccurate: 1})
		assert.InDelta(t, 0.90, rec.Recommended, 1e-9)
	})

	t.Run("lower is floored", func(t *testing.T) {
		rec := RecommendThreshold(0.86, store.FeedbackStats{Samples: 100, Inaccurate: 0})
		// 0.86 ≤ 0.88, so the lower rule does not apply at all.
		assert.Equal(t, 0.86, rec.Recommended)
	})

	t.Run("middling rate keeps current", func(t *testing.T) {
		rec := RecommendThreshold(0.92, store.FeedbackStats{Samples: 100, Inaccurate: 5})
		assert.Equal(t, 0.92, rec.Recommended)
	})
}

func TestRecommendTTL(t *testing.T) {
	t.Run("small population keeps current", func(t *testing.T) {
		rec := RecommendTTL(3600, vecindex.Stats{Entries: 5})
		assert.EqualValues(t, 3600, rec.RecommendedTTLSeconds)
	})

	t.Run("old-heavy population doubles", func(t *testing.T) {
		rec := RecommendTTL(3600, vecindex.Stats{
			Entries:   100,
			AgeBucket: map[string]int64{"1d-7d": 40, "7d-30d": 20, "lt1h": 40},
		})
		assert.EqualValues(t, 7200, rec.RecommendedTTLSeconds)
	})

	t.Run("fresh-only population halves", func(t *testing.T) {
		rec := RecommendTTL(7200, vecindex.Stats{
			Entries:   100,
			AgeBucket: map[string]int64{"lt1h": 90, "1h-6h": 10},
		})
		assert.EqualValues(t, 3600, rec.RecommendedTTLSeconds)
	})

	t.Run("forever TTL never grows", func(t *testing.T) {
		rec := RecommendTTL(semcache.TTLForever, vecindex.Stats{
			Entries:   100,
			AgeBucket: map[string]int64{"gt30d": 100},
		})
		assert.EqualValues(t, semcache.TTLForever, rec.RecommendedTTLSeconds)
	})
}

func TestMergeThresholds(t *testing.T) {
	assert.Equal(t, []int{50, 75, 90, 95, 100}, mergeThresholds(0))
	assert.Equal(t, []int{50, 75, 80, 90, 95, 100}, mergeThresholds(80))
	assert.Equal(t, []int{50, 75, 90, 95, 100}, mergeThresholds(90), "duplicate custom threshold collapses")
}
