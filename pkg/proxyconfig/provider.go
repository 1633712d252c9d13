// pkg/proxyconfig/provider.go
package proxyconfig

import (
	"context"
	"errors"
	"fmt"

	"authproxy/pkg/store"
)

var ErrNotFound = errors.New("proxy configuration not found")

type Provider interface {
	// Get returns the configuration stored exactly at (scope, provider), or ErrNotFound.
	Get(ctx context.Context, scope store.Scope, provider string) (Configuration, error)
}

// Resolver looks a configuration up in the tenant scope first and then in
// the platform-wide default scope.
type Resolver struct {
	src      Provider
	fallback store.Scope
}

func NewResolver(src Provider, fallback store.Scope) *Resolver {
	return &Resolver{src: src, fallback: fallback}
}

func (r *Resolver) Lookup(ctx context.Context, scope store.Scope, provider string) (Configuration, error) {
	cfg, err := r.src.Get(ctx, scope, provider)
	if err == nil || !errors.Is(err, ErrNotFound) || scope == r.fallback {
		return cfg, err
	}
	cfg, err = r.src.Get(ctx, r.fallback, provider)
	if err != nil {
		return Configuration{}, fmt.Errorf("%s for %s: %w", provider, scope, err)
	}
	return cfg, nil
}
