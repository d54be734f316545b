package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const projectCols = `id, tenant_id, name, cache_enabled, semantic_threshold,
	cache_ttl_seconds, ttl_overrides, cost_alert_threshold, cost_alerts_enabled, created_at`

// CreateProject inserts a project with its cache defaults.
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.SemanticThreshold == 0 {
		p.SemanticThreshold = 0.92
	}
	overrides, err := marshalOverrides(p.TTLOverrides)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO projects (id, tenant_id, name, cache_enabled, semantic_threshold, cache_ttl_seconds, ttl_overrides, cost_alert_threshold, cost_alerts_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING created_at`,
		p.ID, p.TenantID, p.Name, p.CacheEnabled, p.SemanticThreshold, p.CacheTTLSeconds, overrides,
		p.CostAlertThreshold, p.CostAlertsEnabled,
	).Scan(&p.CreatedAt)
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = $1`, id)
	return scanProject(row)
}

// ListProjects returns a tenant's projects, newest first.
func (s *Store) ListProjects(ctx context.Context, tenantID string) ([]*Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateCacheTTL replaces the project's default TTL and per-endpoint
// overrides. Validation of the values happens at the admin surface.
func (s *Store) UpdateCacheTTL(ctx context.Context, projectID string, ttlSeconds int64, overrides map[string]int64) error {
	raw, err := marshalOverrides(overrides)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cache_ttl_seconds = $2, ttl_overrides = $3 WHERE id = $1`,
		projectID, ttlSeconds, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateSemanticThreshold sets the project's similarity threshold.
func (s *Store) UpdateSemanticThreshold(ctx context.Context, projectID string, threshold float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET semantic_threshold = $2 WHERE id = $1`, projectID, threshold)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCacheEnabled toggles caching for a project.
func (s *Store) SetCacheEnabled(ctx context.Context, projectID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cache_enabled = $2 WHERE id = $1`, projectID, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCostAlerts updates the project's cost alert settings. threshold is a
// percentage of the plan limit; 0 means only the built-in thresholds fire.
func (s *Store) SetCostAlerts(ctx context.Context, projectID string, enabled bool, threshold int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET cost_alerts_enabled = $2, cost_alert_threshold = $3 WHERE id = $1`,
		projectID, enabled, threshold)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAlertProjects returns every project with cost alerts enabled, joined
// with its tenant's plan. Used by the cron sweep.
func (s *Store) ListAlertProjects(ctx context.Context) ([]*AlertProject, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.id, p.cost_alert_threshold, t.plan
		   FROM projects p JOIN tenants t ON t.id = p.tenant_id
		  WHERE p.cost_alerts_enabled`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AlertProject
	for rows.Next() {
		ap := &AlertProject{}
		if err := rows.Scan(&ap.ProjectID, &ap.CustomThreshold, &ap.Plan); err != nil {
			return nil, err
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

// RecordTemplateDeployment stores one agent-template deployment.
func (s *Store) RecordTemplateDeployment(ctx context.Context, projectID, templateID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO template_deployments (project_id, template_id) VALUES ($1, $2)`,
		projectID, templateID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	p := &Project{}
	var overrides []byte
	err := row.Scan(&p.ID, &p.TenantID, &p.Name, &p.CacheEnabled, &p.SemanticThreshold,
		&p.CacheTTLSeconds, &overrides, &p.CostAlertThreshold, &p.CostAlertsEnabled, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := unmarshalOverrides(overrides, &p.TTLOverrides); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func marshalOverrides(m map[string]int64) ([]byte, error) {
	if m == nil {
		m = map[string]int64{}
	}
	return json.Marshal(m)
}

func unmarshalOverrides(raw []byte, dst *map[string]int64) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode ttl_overrides: %w", err)
	}
	return nil
}
