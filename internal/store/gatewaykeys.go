package store

import (
	"context"
	"database/sql"
	"errors"
)

// CreateGatewayKey inserts a gateway API key record (hash only).
func (s *Store) CreateGatewayKey(ctx context.Context, k *GatewayKey) error {
	return s.db.QueryRowContext(ctx,
		`INSERT INTO gateway_keys (id, project_id, key_hash, key_prefix, name, active)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`,
		k.ID, k.ProjectID, k.KeyHash, k.KeyPrefix, k.Name, k.Active,
	).Scan(&k.CreatedAt)
}

// Authenticate resolves a key hash to its key, project, and tenant in one
// round trip. Inactive keys do not authenticate.
func (s *Store) Authenticate(ctx context.Context, keyHash string) (*AuthRecord, error) {
	rec := &AuthRecord{}
	var overrides []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT k.id, k.project_id, k.key_hash, k.key_prefix, k.name, k.active, k.last_used_at, k.created_at,
		        p.id, p.tenant_id, p.name, p.cache_enabled, p.semantic_threshold, p.cache_ttl_seconds, p.ttl_overrides, p.created_at,
		        t.id, t.name, t.plan, t.created_at
		 FROM gateway_keys k
		 JOIN projects p ON p.id = k.project_id
		 JOIN tenants t ON t.id = p.tenant_id
		 WHERE k.key_hash = $1 AND k.active`, keyHash,
	).Scan(
		&rec.Key.ID, &rec.Key.ProjectID, &rec.Key.KeyHash, &rec.Key.KeyPrefix, &rec.Key.Name, &rec.Key.Active, &rec.Key.LastUsedAt, &rec.Key.CreatedAt,
		&rec.Project.ID, &rec.Project.TenantID, &rec.Project.Name, &rec.Project.CacheEnabled, &rec.Project.SemanticThreshold, &rec.Project.CacheTTLSeconds, &overrides, &rec.Project.CreatedAt,
		&rec.Tenant.ID, &rec.Tenant.Name, &rec.Tenant.Plan, &rec.Tenant.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		if err := unmarshalOverrides(overrides, &rec.Project.TTLOverrides); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// ListGatewayKeys returns a project's keys, newest first.
func (s *Store) ListGatewayKeys(ctx context.Context, projectID string) ([]*GatewayKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, key_hash, key_prefix, name, active, last_used_at, created_at
		 FROM gateway_keys WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GatewayKey
	for rows.Next() {
		k := &GatewayKey{}
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.KeyHash, &k.KeyPrefix, &k.Name,
			&k.Active, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeGatewayKey deactivates a key. Requests using it fail on the next
// authentication.
func (s *Store) RevokeGatewayKey(ctx context.Context, projectID, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gateway_keys SET active = FALSE WHERE id = $1 AND project_id = $2`,
		keyID, projectID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchGatewayKey records key usage. Called off the request path.
func (s *Store) TouchGatewayKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gateway_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}
