// pkg/middleware/auth.go
package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"authproxy/pkg/config"
)

// jwksCache caches JWKS sets per URL.
type jwksCache struct {
	mu    sync.RWMutex
	sets  map[string]cachedJWKS
	fetch func(ctx context.Context, url string) (jwk.Set, error)
}

type cachedJWKS struct {
	set     jwk.Set
	expires time.Time
}

func (c *jwksCache) get(ctx context.Context, url string, ttl time.Duration) (jwk.Set, error) {
	c.mu.RLock()
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		c.mu.RUnlock()
		return e.set, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sets == nil {
		c.sets = map[string]cachedJWKS{}
	}
	if e, ok := c.sets[url]; ok && time.Now().Before(e.expires) {
		return e.set, nil
	}
	set, err := c.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	c.sets[url] = cachedJWKS{set: set, expires: time.Now().Add(ttl)}
	return set, nil
}

type ctxTokenKey struct{}

// JWTAuth validates bearer tokens on the session management routes. A token
// carrying an "acc" claim must match the tenant of the route.
func JWTAuth(cfg config.Config) func(http.Handler) http.Handler {
	cache := &jwksCache{fetch: func(ctx context.Context, url string) (jwk.Set, error) { return jwk.Fetch(ctx, url) }}
	return jwtAuth(cfg, cache)
}

func jwtAuth(cfg config.Config, cache *jwksCache) func(http.Handler) http.Handler {
	const jwksTTL = 6 * time.Hour
	issuer := strings.TrimRight(cfg.Issuer, "/")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authz := r.Header.Get("Authorization")
			// In dev, allow requests without Authorization to pass through (facilitates local bring-up)
			if cfg.Env == "dev" && strings.TrimSpace(authz) == "" {
				next.ServeHTTP(w, r)
				return
			}
			if issuer == "" || cfg.JWKSURL == "" {
				http.Error(w, "auth not configured", http.StatusInternalServerError)
				return
			}
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "missing bearer", http.StatusUnauthorized)
				return
			}
			set, err := cache.get(r.Context(), cfg.JWKSURL, jwksTTL)
			if err != nil {
				http.Error(w, "jwks fetch failed", http.StatusInternalServerError)
				return
			}
			raw := strings.TrimSpace(authz[len("Bearer "):])
			opts := []jwt.ParseOption{jwt.WithKeySet(set), jwt.WithIssuer(issuer), jwt.WithValidate(true), jwt.WithVerify(true), jwt.WithAcceptableSkew(cfg.ClockSkew)}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}
			jt, err := jwt.Parse([]byte(raw), opts...)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if acc, ok := jt.Get("acc"); ok {
				if s, _ := acc.(string); s != "" && s != TenantFrom(r.Context()).AccountID {
					http.Error(w, "tenant_mismatch", http.StatusForbidden)
					return
				}
			}
			var scopes []string
			if sc, ok := jt.Get("scope"); ok {
				if s, ok := sc.(string); ok {
					scopes = strings.Fields(s)
				}
			}
			ctx := WithScopes(r.Context(), scopes)
			if !HasAnyScope(ctx, cfg.RequiredScopes) {
				http.Error(w, "insufficient_scope", http.StatusForbidden)
				return
			}
			ctx = context.WithValue(ctx, ctxTokenKey{}, jt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ActorSub returns the subject of the validated token, or "" in dev bypass.
func ActorSub(ctx context.Context) string {
	if jt, ok := ctx.Value(ctxTokenKey{}).(jwt.Token); ok {
		return jt.Subject()
	}
	return ""
}
