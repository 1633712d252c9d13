// pkg/codestore/redis.go
package codestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis stores entries as JSON under <prefix><code> and lets Redis expire them.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// NewRedis creates a Redis-backed Store. prefix defaults to "authproxy:code:".
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "authproxy:code:"
	}
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Put(ctx context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	return r.client.Set(ctx, r.prefix+e.Code, b, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, code string) (Entry, error) {
	b, err := r.client.Get(ctx, r.prefix+code).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (r *Redis) Delete(ctx context.Context, code string) error {
	return r.client.Del(ctx, r.prefix+code).Err()
}
