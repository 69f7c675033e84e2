package vault

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres is a Vault backed by a credentials table. Upserts ride on the
// provider_id primary key, so replacement is atomic per provider.
//
// Expected schema:
//
//	CREATE TABLE credentials (
//	    provider_id text PRIMARY KEY,
//	    record      bytea NOT NULL,
//	    updated_at  timestamptz NOT NULL DEFAULT now()
//	);
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a Postgres vault on the given connection pool. The
// pool is expected to use the pgx stdlib driver.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Put implements Vault.
func (p *Postgres) Put(ctx context.Context, providerID string, record []byte) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credentials (provider_id, record, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider_id) DO UPDATE
		SET record = EXCLUDED.record, updated_at = now()`,
		providerID, record,
	)
	if err != nil {
		return fmt.Errorf("Postgres.Put: %w", err)
	}
	return nil
}

// Get implements Vault.
func (p *Postgres) Get(ctx context.Context, providerID string) ([]byte, error) {
	var record []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT record FROM credentials WHERE provider_id = $1`, providerID,
	).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Postgres.Get: %w", err)
	}
	return record, nil
}

// Delete implements Vault.
func (p *Postgres) Delete(ctx context.Context, providerID string) error {
	result, err := p.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE provider_id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("Postgres.Delete: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List implements Vault.
func (p *Postgres) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT provider_id FROM credentials ORDER BY provider_id`)
	if err != nil {
		return nil, fmt.Errorf("Postgres.List: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Postgres.List: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
