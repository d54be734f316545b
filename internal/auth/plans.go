// Package auth implements gateway key authentication, per-key rate limiting,
// and per-project monthly request quotas.
package auth

import (
	"github.com/nulpointcorp/semantic-gateway/internal/store"
)

// Limits are the per-plan rate and quota caps.
type Limits struct {
	// RPM is requests per minute per gateway key.
	RPM int64
	// MonthlyRequests is the per-project request quota per calendar month.
	MonthlyRequests int64
}

// planLimits maps plan names to their caps.
var planLimits = map[string]Limits{
	store.PlanFree:    {RPM: 10, MonthlyRequests: 10_000},
	store.PlanStarter: {RPM: 60, MonthlyRequests: 100_000},
	store.PlanPro:     {RPM: 600, MonthlyRequests: 1_000_000},
}

// LimitsForPlan returns the caps for a plan. Unknown plans get free limits —
// the conservative choice for a row written by an older release.
func LimitsForPlan(plan string) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[store.PlanFree]
}
