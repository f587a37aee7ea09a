package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/annoflow/internal/api/response"
)

// Recovery turns a handler panic into a 500 envelope carrying the request id,
// so a caller can quote it when reporting the failure. If the handler already
// started the response only the log line is written.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			reqID := chimw.GetReqID(r.Context())
			attrs := []any{
				"panic", rec,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"route", routePattern(r),
				"request_id", reqID,
			}
			if a, ok := r.Context().Value(accessKey{}).(*access); ok && a.keyName != "" {
				attrs = append(attrs, "api_key", a.keyName)
			}

			if rw, ok := w.(*responseRecorder); ok && rw.started {
				slog.Error("panic after response started", attrs...)
				return
			}
			slog.Error("panic recovered", attrs...)

			var details any
			if reqID != "" {
				details = map[string]string{"request_id": reqID}
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", details)
		}()
		next.ServeHTTP(w, r)
	})
}
