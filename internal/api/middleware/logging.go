package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

type accessKey struct{}

// access is filled in as the request moves down the stack so the log line
// written on the way back up can name the caller.
type access struct {
	keyName string
}

func noteKeyName(ctx context.Context, name string) {
	if a, ok := ctx.Value(accessKey{}).(*access); ok {
		a.keyName = name
	}
}

// responseRecorder tracks what has been sent to the client.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int64
	started bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.started {
		r.status = code
		r.started = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.started {
		r.status = http.StatusOK
		r.started = true
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Logger writes one access line per request, keyed by the chi route pattern.
// Mount it after chi's RequestID.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		a := &access{}
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), accessKey{}, a)))

		attrs := []any{
			"method", r.Method,
			"route", routePattern(r),
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimw.GetReqID(r.Context()),
		}
		if a.keyName != "" {
			attrs = append(attrs, "api_key", a.keyName)
		}

		switch {
		case rec.status >= http.StatusInternalServerError:
			slog.Error("request", attrs...)
		case rec.status == http.StatusUnauthorized || rec.status == http.StatusForbidden:
			slog.Warn("request", append(attrs, "remote_addr", r.RemoteAddr)...)
		default:
			slog.Info("request", attrs...)
		}
	})
}

// routePattern is the matched chi pattern, or the raw path when nothing
// matched.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
