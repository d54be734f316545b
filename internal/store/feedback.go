package store

import (
	"context"
	"time"
)

// InsertFeedback records a customer verdict on a served cache hit.
func (s *Store) InsertFeedback(ctx context.Context, f *Feedback) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO cache_feedback (project_id, fingerprint, accurate, comment)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		f.ProjectID, f.Fingerprint, f.Accurate, f.Comment,
	).Scan(&f.ID, &f.CreatedAt)
}

// GetFeedbackStats aggregates feedback since the cutoff, for threshold
// recommendations.
func (s *Store) GetFeedbackStats(ctx context.Context, projectID string, since time.Time) (FeedbackStats, error) {
	var st FeedbackStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), count(*) FILTER (WHERE NOT accurate)
		 FROM cache_feedback WHERE project_id = $1 AND created_at >= $2`,
		projectID, since,
	).Scan(&st.Samples, &st.Inaccurate)
	return st, err
}

// MarkAlertSent records a cost alert as delivered and reports whether this
// call was the first for (project, period, threshold). Duplicate deliveries
// in the same period are suppressed by the primary key.
func (s *Store) MarkAlertSent(ctx context.Context, projectID, period string, threshold int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_alerts (project_id, period, threshold)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		projectID, period, threshold)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
