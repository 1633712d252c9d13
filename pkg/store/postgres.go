// pkg/store/postgres.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store on a single entities table.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

// EnsureSchema creates the entities table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS entities (
  key text PRIMARY KEY,
  data bytea NOT NULL,
  version bigint NOT NULL DEFAULT 1,
  expires_at timestamptz,
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS entities_key_prefix_idx ON entities (key text_pattern_ops);
`)
	return err
}

func (p *Postgres) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	var exp *time.Time
	err := p.pool.QueryRow(ctx, `SELECT data, version, expires_at FROM entities
		WHERE key=$1 AND (expires_at IS NULL OR expires_at > NOW())`, key).Scan(&rec.Data, &rec.Version, &exp)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if exp != nil {
		rec.ExpiresAt = *exp
	}
	return rec, nil
}

func (p *Postgres) Put(ctx context.Context, rec Record) (Record, error) {
	var (
		version int64
		err     error
	)
	if rec.Version == 0 {
		// An expired row counts as absent and may be replaced.
		err = p.pool.QueryRow(ctx, `INSERT INTO entities(key, data, version, expires_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (key) DO UPDATE SET data=EXCLUDED.data, version=1, expires_at=EXCLUDED.expires_at, updated_at=NOW()
			WHERE entities.expires_at IS NOT NULL AND entities.expires_at <= NOW()
			RETURNING version`, rec.Key, rec.Data, nullTime(rec.ExpiresAt)).Scan(&version)
	} else {
		err = p.pool.QueryRow(ctx, `UPDATE entities SET data=$2, version=version+1, expires_at=$4, updated_at=NOW()
			WHERE key=$1 AND version=$3 AND (expires_at IS NULL OR expires_at > NOW())
			RETURNING version`, rec.Key, rec.Data, rec.Version, nullTime(rec.ExpiresAt)).Scan(&version)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrConflict
	}
	if err != nil {
		return Record{}, err
	}
	rec.Version = version
	return rec, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM entities WHERE key=$1`, key)
	return err
}

func (p *Postgres) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, data, version, expires_at FROM entities
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY key`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec Record
			exp *time.Time
		)
		if err := rows.Scan(&rec.Key, &rec.Data, &rec.Version, &exp); err != nil {
			return nil, err
		}
		if exp != nil {
			rec.ExpiresAt = *exp
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
