// pkg/middleware/scope.go
package middleware

import (
	"context"
)

type scopeCtxKey string

const (
	ctxScopesKey scopeCtxKey = "scopes"
)

// WithScopes stores the token's OAuth scopes in context.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, ctxScopesKey, scopes)
}

func ScopesFrom(ctx context.Context) []string {
	if s, ok := ctx.Value(ctxScopesKey).([]string); ok {
		return s
	}
	return nil
}

// HasAnyScope returns true if context holds at least one of the required scopes.
func HasAnyScope(ctx context.Context, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, s := range ScopesFrom(ctx) {
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
