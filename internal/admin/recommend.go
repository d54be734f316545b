// Package admin holds the dashboard-facing decision logic behind the admin
// surface: cache tuning recommendations and the cost alert sweep. The HTTP
// handlers live in internal/proxy; this package keeps the rules testable in
// isolation.
package admin

import (
	"github.com/nulpointcorp/semantic-gateway/internal/semcache"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
	"github.com/nulpointcorp/semantic-gateway/internal/vecindex"
)

// Threshold recommendation tuning.
const (
	// MinFeedbackSamples gates recommendations; below it the sample is noise.
	MinFeedbackSamples = 10

	thresholdStepUp   = 0.03
	thresholdStepDown = 0.02
	thresholdCeiling  = 0.98
	thresholdFloor    = 0.85
)

// ThresholdRecommendation is the outcome of the feedback-driven threshold
// rule.
type ThresholdRecommendation struct {
	Current        float64 `json:"current"`
	Recommended    float64 `json:"recommended"`
	Samples        int64   `json:"samples"`
	InaccurateRate float64 `json:"inaccurateRate"`
	Reason         string  `json:"reason"`
}

// RecommendThreshold applies the feedback rule:
//
//	inaccurate rate > 10%            → raise by 0.03, capped at 0.98
//	inaccurate rate < 2% and current > 0.88 → lower by 0.02, floored at 0.85
//	otherwise                        → keep
func RecommendThreshold(current float64, stats store.FeedbackStats) ThresholdRecommendation {
	rec := ThresholdRecommendation{
		Current:     current,
		Recommended: current,
		Samples:     stats.Samples,
	}
	if stats.Samples < MinFeedbackSamples {
		rec.Reason = "not enough feedback samples"
		return rec
	}
	rec.InaccurateRate = float64(stats.Inaccurate) / float64(stats.Samples)

	switch {
	case rec.InaccurateRate > 0.10:
		rec.Recommended = min(current+thresholdStepUp, thresholdCeiling)
		rec.Reason = "semantic hits are too often wrong; tighten the match"
	case rec.InaccurateRate < 0.02 && current > 0.88:
		rec.Recommended = max(current-thresholdStepDown, thresholdFloor)
		rec.Reason = "hits are reliably accurate; a looser match saves more"
	default:
		rec.Reason = "feedback supports the current threshold"
	}
	return rec
}

// TTLRecommendation is the outcome of the age-distribution TTL rule.
type TTLRecommendation struct {
	CurrentTTLSeconds     int64  `json:"currentTtlSeconds"`
	RecommendedTTLSeconds int64  `json:"recommendedTtlSeconds"`
	Entries               int64  `json:"entries"`
	Reason                string `json:"reason"`
}

// minTTLEntries gates TTL recommendations on population size.
const minTTLEntries = 20

// oldBuckets are the index age buckets counted as "old" for the TTL rule.
var oldBuckets = []string{"1d-7d", "7d-30d", "gt30d"}

// RecommendTTL suggests a new default TTL from the live age distribution.
// A population dominated by old entries that are still being served means the
// TTL can grow; a population that is almost entirely fresh means entries die
// before they pay for themselves and the TTL can shrink.
func RecommendTTL(currentTTL int64, stats vecindex.Stats) TTLRecommendation {
	rec := TTLRecommendation{
		CurrentTTLSeconds:     currentTTL,
		RecommendedTTLSeconds: currentTTL,
		Entries:               stats.Entries,
	}
	if stats.Entries < minTTLEntries {
		rec.Reason = "not enough live entries"
		return rec
	}

	var old int64
	for _, b := range oldBuckets {
		old += stats.AgeBucket[b]
	}
	oldShare := float64(old) / float64(stats.Entries)
	freshShare := float64(stats.AgeBucket["lt1h"]) / float64(stats.Entries)

	switch {
	case currentTTL != semcache.TTLForever && oldShare > 0.5:
		rec.RecommendedTTLSeconds = min(currentTTL*2, semcache.MaxTTLSeconds)
		rec.Reason = "most entries survive for days; a longer TTL keeps them serving"
	case freshShare > 0.8 && currentTTL > 3600:
		rec.RecommendedTTLSeconds = max(currentTTL/2, semcache.MinTTLSeconds)
		rec.Reason = "entries rarely live past an hour; a shorter TTL frees memory"
	default:
		rec.Reason = "age distribution supports the current TTL"
	}
	return rec
}
