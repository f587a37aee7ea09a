package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/annoflow/internal/api/middleware"
	"github.com/kiranshivaraju/annoflow/internal/api/response"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	SubmitJobHandler  http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	ListUserJobs      http.HandlerFunc
	ResultHandler     http.HandlerFunc
	LogHandler        http.HandlerFunc
	PutProfileHandler http.HandlerFunc
	UpgradeHandler    http.HandlerFunc
	RetrievalEvents   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.With(deps.Auth.RequireScope(models.ScopeSubmit)).
			Post("/api/v1/jobs", orNotImplemented(deps.SubmitJobHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeRead))

			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/jobs/{jobID}/result", orNotImplemented(deps.ResultHandler))
			r.Get("/api/v1/jobs/{jobID}/log", orNotImplemented(deps.LogHandler))
			r.Get("/api/v1/users/{userID}/jobs", orNotImplemented(deps.ListUserJobs))
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeBilling))

			r.Put("/api/v1/users/{userID}", orNotImplemented(deps.PutProfileHandler))
			r.Post("/api/v1/users/{userID}/upgrade", orNotImplemented(deps.UpgradeHandler))
		})

		r.With(deps.Auth.RequireScope(models.ScopeEvents)).
			Post("/api/v1/events/retrieval", orNotImplemented(deps.RetrievalEvents))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
