package store

import (
	"context"
	"database/sql"
	"errors"
)

// CreateTenant inserts a tenant.
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.Plan == "" {
		t.Plan = PlanFree
	}
	return s.db.QueryRowContext(ctx,
		`INSERT INTO tenants (id, name, plan) VALUES ($1, $2, $3) RETURNING created_at`,
		t.ID, t.Name, t.Plan,
	).Scan(&t.CreatedAt)
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTenantPlan changes a tenant's plan. Limits for in-flight requests
// update on their next authentication.
func (s *Store) UpdateTenantPlan(ctx context.Context, tenantID, plan string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET plan = $2 WHERE id = $1`, tenantID, plan)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
