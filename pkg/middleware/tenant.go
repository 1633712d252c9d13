// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"authproxy/pkg/problems"
	"authproxy/pkg/store"
)

type ctxTenantKey struct{}

// WithTenant resolves the tenant scope from the {accountId}/{subscriptionId}
// route params. It must be mounted on a router whose pattern declares them.
func WithTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := store.Scope{
				AccountID:      chi.URLParam(r, "accountId"),
				SubscriptionID: chi.URLParam(r, "subscriptionId"),
			}
			if sc.AccountID == "" || sc.SubscriptionID == "" {
				problems.Write(w, problems.Validation("account and subscription are required"))
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxTenantKey{}, sc)))
		})
	}
}

func TenantFrom(ctx context.Context) store.Scope {
	sc, _ := ctx.Value(ctxTenantKey{}).(store.Scope)
	return sc
}
