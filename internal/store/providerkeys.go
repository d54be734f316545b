package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrTooManyKeys is returned when a project already has the maximum number
// of active keys for a provider.
var ErrTooManyKeys = fmt.Errorf("store: at most %d active keys per provider", MaxActiveProviderKeys)

const providerKeyCols = `id, project_id, provider, label, encrypted_key, iv,
	priority, active, last_used_at, created_at`

// SaveProviderKey inserts an encrypted provider key. The active-key cap and
// dense priority assignment happen in one transaction: the new key gets the
// lowest free priority slot.
func (s *Store) SaveProviderKey(ctx context.Context, k *ProviderKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lock the project's rows for this provider to serialize concurrent saves.
	// FOR UPDATE cannot combine with an aggregate, hence the subquery.
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM (
		     SELECT id FROM provider_keys
		     WHERE project_id = $1 AND provider = $2 AND active FOR UPDATE
		 ) locked`,
		k.ProjectID, k.Provider,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count >= MaxActiveProviderKeys {
		return ErrTooManyKeys
	}

	// Dense priorities: new keys append after the current tail.
	err = tx.QueryRowContext(ctx,
		`SELECT coalesce(max(priority), 0) + 1 FROM provider_keys
		 WHERE project_id = $1 AND provider = $2 AND active`,
		k.ProjectID, k.Provider,
	).Scan(&k.Priority)
	if err != nil {
		return err
	}

	k.Active = true
	err = tx.QueryRowContext(ctx,
		`INSERT INTO provider_keys (id, project_id, provider, label, encrypted_key, iv, priority, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE) RETURNING created_at`,
		k.ID, k.ProjectID, k.Provider, k.Label, k.EncryptedKey, k.IV, k.Priority,
	).Scan(&k.CreatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveProviderKeys returns a project's active keys for one provider in
// failover order (priority ascending).
func (s *Store) ActiveProviderKeys(ctx context.Context, projectID, provider string) ([]*ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerKeyCols+` FROM provider_keys
		 WHERE project_id = $1 AND provider = $2 AND active
		 ORDER BY priority ASC`, projectID, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProviderKeys(rows)
}

// ListProviderKeys returns all of a project's keys across providers.
func (s *Store) ListProviderKeys(ctx context.Context, projectID string) ([]*ProviderKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerKeyCols+` FROM provider_keys
		 WHERE project_id = $1 ORDER BY provider, priority ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProviderKeys(rows)
}

// DeactivateProviderKey retires a key and renumbers the survivors so
// priorities stay dense.
func (s *Store) DeactivateProviderKey(ctx context.Context, projectID, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var provider string
	err = tx.QueryRowContext(ctx,
		`UPDATE provider_keys SET active = FALSE
		 WHERE id = $1 AND project_id = $2 AND active
		 RETURNING provider`, keyID, projectID,
	).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := renumberPriorities(ctx, tx, projectID, provider); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteProviderKey removes a key permanently and renumbers the survivors.
func (s *Store) DeleteProviderKey(ctx context.Context, projectID, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var provider string
	err = tx.QueryRowContext(ctx,
		`DELETE FROM provider_keys WHERE id = $1 AND project_id = $2 RETURNING provider`,
		keyID, projectID,
	).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := renumberPriorities(ctx, tx, projectID, provider); err != nil {
		return err
	}
	return tx.Commit()
}

// TouchProviderKey records that a key served a request. Called off the
// request path.
func (s *Store) TouchProviderKey(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_keys SET last_used_at = now() WHERE id = $1`, keyID)
	return err
}

// renumberPriorities rewrites active priorities as 1..n preserving order.
func renumberPriorities(ctx context.Context, tx *sql.Tx, projectID, provider string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE provider_keys pk SET priority = ranked.rn
		 FROM (
		     SELECT id, row_number() OVER (ORDER BY priority ASC, created_at ASC) AS rn
		     FROM provider_keys
		     WHERE project_id = $1 AND provider = $2 AND active
		 ) ranked
		 WHERE pk.id = ranked.id`, projectID, provider)
	return err
}

func collectProviderKeys(rows *sql.Rows) ([]*ProviderKey, error) {
	var out []*ProviderKey
	for rows.Next() {
		k := &ProviderKey{}
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Provider, &k.Label, &k.EncryptedKey, &k.IV,
			&k.Priority, &k.Active, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
