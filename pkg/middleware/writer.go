// pkg/middleware/writer.go
package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// statusWriter records the first status written. Wrapping is idempotent so
// Recover, Metrics and DebugWriteHeader share one recorder per request.
type statusWriter struct {
	http.ResponseWriter
	status int
	onDup  func(first, second int)
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status != 0 {
		if s.onDup != nil {
			s.onDup(s.status, code)
		}
		return
	}
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *statusWriter) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

// DebugWriteHeader logs a stack trace if WriteHeader is called more than once.
func DebugWriteHeader(enabled bool, log *zap.SugaredLogger) func(http.Handler) http.Handler {
	if !enabled {
		return func(next http.Handler) http.Handler { return next }
	}
	log.Infow("debug double-write middleware enabled")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrap(w)
			sw.onDup = func(first, second int) {
				log.Warnw("double WriteHeader", "method", r.Method, "path", r.URL.Path, "first", first, "second", second, "stack", string(debug.Stack()))
			}
			next.ServeHTTP(sw, r)
		})
	}
}
