package admin

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nulpointcorp/semantic-gateway/internal/auth"
	"github.com/nulpointcorp/semantic-gateway/internal/store"
)

// BuiltinThresholds are the percent-of-plan-limit levels every project with
// alerts enabled is checked against. A project's custom threshold is merged
// in.
var BuiltinThresholds = []int{50, 75, 90, 95, 100}

// thresholdBand is how far past a threshold usage may be for the alert to
// still fire. Usage that jumped well beyond a level between sweeps fires the
// levels it is within the band of; older levels stay silent instead of
// arriving as a stale burst.
const thresholdBand = 5

// Alert is one dispatched cost alert.
type Alert struct {
	ProjectID    string  `json:"projectId"`
	Period       string  `json:"period"`
	Threshold    int     `json:"threshold"`
	PercentUsed  float64 `json:"percentUsed"`
	UsedRequests int64   `json:"usedRequests"`
	RequestLimit int64   `json:"requestLimit"`
	MonthCostUSD float64 `json:"monthCostUsd"`
}

// UsageSource reports month-to-date admitted requests. auth.Gate satisfies it.
type UsageSource interface {
	QuotaUsed(ctx context.Context, projectID string) (int64, error)
}

// CostSource reports month-to-date spend. The ClickHouse sink satisfies it.
type CostSource interface {
	MonthCostUSD(ctx context.Context, projectID, period string) (float64, error)
}

// AlertSweeper runs the cron-triggered cost alert sweep.
type AlertSweeper struct {
	store *store.Store
	usage UsageSource
	costs CostSource
	log   *slog.Logger
	now   func() time.Time
}

func NewAlertSweeper(st *store.Store, usage UsageSource, costs CostSource, log *slog.Logger) *AlertSweeper {
	return &AlertSweeper{store: st, usage: usage, costs: costs, log: log, now: time.Now}
}

// Sweep checks every alert-enabled project against its thresholds and
// returns the alerts dispatched this run. The sent-alerts store deduplicates
// per (project, month, threshold), so re-running the sweep is safe.
func (s *AlertSweeper) Sweep(ctx context.Context) ([]Alert, error) {
	projects, err := s.store.ListAlertProjects(ctx)
	if err != nil {
		return nil, err
	}
	period := s.now().UTC().Format("200601")

	var fired []Alert
	for _, p := range projects {
		limits := auth.LimitsForPlan(p.Plan)
		if limits.MonthlyRequests == 0 {
			continue // no limit to measure against
		}
		used, err := s.usage.QuotaUsed(ctx, p.ProjectID)
		if err != nil {
			s.log.Warn("cost alert usage read failed",
				slog.String("project_id", p.ProjectID),
				slog.String("error", err.Error()))
			continue
		}
		pct := float64(used) * 100 / float64(limits.MonthlyRequests)

		for _, threshold := range mergeThresholds(p.CustomThreshold) {
			if pct < float64(threshold) || pct >= float64(threshold+thresholdBand) {
				continue
			}
			inserted, err := s.store.MarkAlertSent(ctx, p.ProjectID, period, threshold)
			if err != nil {
				s.log.Warn("cost alert dedup failed",
					slog.String("project_id", p.ProjectID),
					slog.String("error", err.Error()))
				continue
			}
			if !inserted {
				continue // already sent this month
			}

			alert := Alert{
				ProjectID:    p.ProjectID,
				Period:       period,
				Threshold:    threshold,
				PercentUsed:  pct,
				UsedRequests: used,
				RequestLimit: limits.MonthlyRequests,
			}
			if s.costs != nil {
				if cost, err := s.costs.MonthCostUSD(ctx, p.ProjectID, period); err == nil {
					alert.MonthCostUSD = cost
				}
			}
			fired = append(fired, alert)

			s.log.Info("cost_alert",
				slog.String("project_id", p.ProjectID),
				slog.Int("threshold", threshold),
				slog.Float64("percent_used", pct),
			)
		}
	}
	return fired, nil
}

// mergeThresholds joins the built-in levels with the project's custom one,
// deduplicated and sorted ascending.
func mergeThresholds(custom int) []int {
	out := make([]int, len(BuiltinThresholds))
	copy(out, BuiltinThresholds)
	if custom > 0 {
		found := false
		for _, t := range out {
			if t == custom {
				found = true
				break
			}
		}
		if !found {
			out = append(out, custom)
		}
	}
	sort.Ints(out)
	return out
}
