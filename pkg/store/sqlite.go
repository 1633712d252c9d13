// pkg/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLite implements Store for single-node deployments.
//
// It expects an *sql.DB opened with the "modernc.org/sqlite" driver (see
// db.OpenSQLite). Expiry is stored as unix milliseconds, 0 meaning never.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite initializes the schema in db and returns the store.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db, now: time.Now}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entities (
			key TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			version INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);`); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	var exp int64
	err := s.db.QueryRowContext(ctx, `SELECT data, version, expires_at FROM entities
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`, key, s.now().UnixMilli()).Scan(&rec.Data, &rec.Version, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.ExpiresAt = fromMillis(exp)
	return rec, nil
}

func (s *SQLite) Put(ctx context.Context, rec Record) (Record, error) {
	now := s.now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if rec.Version == 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO entities (key, data, version, expires_at)
			VALUES (?, ?, 1, ?)
			ON CONFLICT (key) DO UPDATE SET data = excluded.data, version = 1, expires_at = excluded.expires_at
			WHERE entities.expires_at != 0 AND entities.expires_at <= ?`,
			rec.Key, rec.Data, toMillis(rec.ExpiresAt), now)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE entities SET data = ?, version = version + 1, expires_at = ?
			WHERE key = ? AND version = ? AND (expires_at = 0 OR expires_at > ?)`,
			rec.Data, toMillis(rec.ExpiresAt), rec.Key, rec.Version, now)
	}
	if err != nil {
		return Record{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, ErrConflict
	}
	rec.Version++
	return rec, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE key = ?`, key)
	return err
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, data, version, expires_at FROM entities
		WHERE substr(key, 1, length(?)) = ? AND (expires_at = 0 OR expires_at > ?)
		ORDER BY key`, prefix, prefix, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec Record
			exp int64
		)
		if err := rows.Scan(&rec.Key, &rec.Data, &rec.Version, &exp); err != nil {
			return nil, err
		}
		rec.ExpiresAt = fromMillis(exp)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
