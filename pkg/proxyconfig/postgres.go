// pkg/proxyconfig/postgres.go
package proxyconfig

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"authproxy/pkg/store"
)

// pgProvider implements Provider backed by PostgreSQL.
type pgProvider struct {
	dbPool *pgxpool.Pool
	log    *zap.SugaredLogger
}

func NewPostgres(dbPool *pgxpool.Pool, log *zap.SugaredLogger) Provider {
	return &pgProvider{dbPool: dbPool, log: log}
}

// EnsureSchema creates the proxy_configurations table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS proxy_configurations (
  account_id text NOT NULL,
  subscription_id text NOT NULL,
  provider text NOT NULL,
  client_id text NOT NULL,
  client_secret text NOT NULL,
  authorization_url text NOT NULL,
  token_url text NOT NULL,
  revoke_url text,
  callback_url text,
  extra_fields jsonb NOT NULL DEFAULT '{}'::jsonb,
  updated_at timestamptz NOT NULL DEFAULT NOW(),
  PRIMARY KEY (account_id, subscription_id, provider)
);
`)
	return err
}

// SeedFromFile upserts every configuration in the YAML file at path.
func SeedFromFile(ctx context.Context, dbPool *pgxpool.Pool, path string, def store.Scope) error {
	cfgs, err := LoadFile(path, def)
	if err != nil {
		return err
	}
	for _, c := range cfgs {
		extra, err := json.Marshal(c.ExtraFields)
		if err != nil {
			return err
		}
		if c.ExtraFields == nil {
			extra = []byte("{}")
		}
		if _, err := dbPool.Exec(ctx, `INSERT INTO proxy_configurations
		  (account_id,subscription_id,provider,client_id,client_secret,authorization_url,token_url,revoke_url,callback_url,extra_fields)
		  VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),$10)
		  ON CONFLICT (account_id,subscription_id,provider) DO UPDATE SET client_id=EXCLUDED.client_id,client_secret=EXCLUDED.client_secret,
		  authorization_url=EXCLUDED.authorization_url,token_url=EXCLUDED.token_url,revoke_url=EXCLUDED.revoke_url,
		  callback_url=EXCLUDED.callback_url,extra_fields=EXCLUDED.extra_fields,updated_at=NOW()`,
			c.Scope.AccountID, c.Scope.SubscriptionID, c.Provider, c.ClientID, c.ClientSecret,
			c.AuthorizationURL, c.TokenURL, c.RevokeURL, c.CallbackURL, extra); err != nil {
			return err
		}
	}
	return nil
}

func (p *pgProvider) Get(ctx context.Context, scope store.Scope, provider string) (Configuration, error) {
	row := p.dbPool.QueryRow(ctx, `SELECT client_id,client_secret,authorization_url,token_url,COALESCE(revoke_url,''),COALESCE(callback_url,''),extra_fields
		FROM proxy_configurations WHERE account_id=$1 AND subscription_id=$2 AND provider=$3`,
		scope.AccountID, scope.SubscriptionID, provider)
	c := Configuration{Provider: provider, Scope: scope}
	var extra []byte
	err := row.Scan(&c.ClientID, &c.ClientSecret, &c.AuthorizationURL, &c.TokenURL, &c.RevokeURL, &c.CallbackURL, &extra)
	if errors.Is(err, pgx.ErrNoRows) {
		return Configuration{}, ErrNotFound
	}
	if err != nil {
		return Configuration{}, err
	}
	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &c.ExtraFields); err != nil {
			p.log.Warnw("proxy configuration extra_fields unreadable", "provider", provider, "scope", scope.String(), "err", err)
		}
	}
	return c, nil
}
