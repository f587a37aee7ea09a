package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/annoflow/internal/api/response"
	"github.com/kiranshivaraju/annoflow/internal/profile"
	"github.com/kiranshivaraju/annoflow/internal/submit"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

// ProfileWriter creates or replaces a user profile.
type ProfileWriter interface {
	Put(ctx context.Context, p *models.UserProfile) error
}

// Upgrader moves a user to the premium tier and queues their archived
// results for thawing.
type Upgrader interface {
	Upgrade(ctx context.Context, userID string) (*models.UserProfile, error)
}

// NewPutProfileHandler returns an http.HandlerFunc for PUT /api/v1/users/{userID}.
// The account service owns profiles; this keeps the copy the workers read current.
func NewPutProfileHandler(profiles ProfileWriter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Tier  string `json:"tier"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		tier, ok := models.ParseTier(req.Tier)
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "tier must be free or premium", nil)
			return
		}
		if _, err := mail.ParseAddress(req.Email); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "email must be a valid address", nil)
			return
		}

		p := &models.UserProfile{
			UserID:    chi.URLParam(r, "userID"),
			Name:      req.Name,
			Email:     req.Email,
			Tier:      tier,
			UpdatedAt: time.Now().UTC(),
		}
		if err := profiles.Put(r.Context(), p); err != nil {
			slog.Error("put profile failed", "user_id", p.UserID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to save profile", nil)
			return
		}
		response.JSON(w, p)
	}
}

// NewUpgradeHandler returns an http.HandlerFunc for
// POST /api/v1/users/{userID}/upgrade, called by the billing service.
func NewUpgradeHandler(svc Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		p, err := svc.Upgrade(r.Context(), userID)
		switch {
		case errors.Is(err, profile.ErrUnknownUser):
			response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "User not found", nil)
			return
		case errors.Is(err, submit.ErrInvalidRequest):
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		case err != nil:
			slog.Error("upgrade failed", "user_id", userID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to upgrade user", nil)
			return
		}
		response.Accepted(w, p)
	}
}
