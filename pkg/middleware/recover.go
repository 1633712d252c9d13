// pkg/middleware/recover.go
package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"authproxy/pkg/problems"
)

// Recover turns a panic into a 500 problem document unless the handler
// already started the response.
func Recover(log *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrap(w)
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Errorw("panic", "err", rec, "path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "stack", string(debug.Stack()))
				if sw.status == 0 {
					problems.Write(sw, errors.New("panic"))
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
