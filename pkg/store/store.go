// pkg/store/store.go

// Package store is the per-tenant entity store: an opaque key-value map with
// strong single-key consistency and optimistic-concurrency versioning.
//
// Deletes are eventually, not immediately, visible. A Get issued right after a
// Delete may still return the record; callers that depend on absence use
// AwaitDeleted.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: version conflict")

	errStillVisible = errors.New("store: record still visible")
)

// Record is one stored value. Version 0 on Put means create-only; any other
// value must match the stored version. A zero ExpiresAt never expires.
type Record struct {
	Key       string
	Data      []byte
	Version   int64
	ExpiresAt time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) (Record, error)
	// Put writes rec and returns it with its new version, or ErrConflict.
	Put(ctx context.Context, rec Record) (Record, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
	// List returns unexpired records whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
}

// Scope is the tenant partition every key lives under.
type Scope struct {
	AccountID      string `json:"accountId" yaml:"accountId"`
	SubscriptionID string `json:"subscriptionId" yaml:"subscriptionId"`
}

func (s Scope) IsZero() bool { return s.AccountID == "" && s.SubscriptionID == "" }

// Key joins parts under the scope prefix: acc/sub/part/part.
func (s Scope) Key(parts ...string) string {
	return strings.Join(append([]string{s.AccountID, s.SubscriptionID}, parts...), "/")
}

func (s Scope) String() string { return s.AccountID + "/" + s.SubscriptionID }

const maxRetries = 5

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
}

// Update performs a read-modify-write of key, retrying with bounded backoff
// when a concurrent writer bumps the version in between.
func Update(ctx context.Context, s Store, key string, fn func(rec *Record) error) (Record, error) {
	var out Record
	op := func() error {
		cur, err := s.Get(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(&cur); err != nil {
			return backoff.Permanent(err)
		}
		out, err = s.Put(ctx, cur)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return Record{}, err
	}
	return out, nil
}

// AwaitDeleted polls probe until it reports ErrNotFound. probe is any read of
// the deleted item; other errors abort the wait.
func AwaitDeleted(ctx context.Context, probe func(context.Context) error) error {
	op := func() error {
		err := probe(ctx)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil
		case err != nil:
			return backoff.Permanent(err)
		default:
			return errStillVisible
		}
	}
	return backoff.Retry(op, retryPolicy(ctx))
}
