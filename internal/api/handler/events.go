package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/annoflow/internal/api/response"
	"github.com/kiranshivaraju/annoflow/internal/queue"
	"github.com/kiranshivaraju/annoflow/pkg/models"
)

const maxEventBytes = 256 << 10

// Confirmer confirms a topic subscription to this endpoint.
type Confirmer interface {
	Confirm(ctx context.Context, topicARN, token string) error
}

// NewRetrievalEventHandler returns an http.HandlerFunc for
// POST /api/v1/events/retrieval. The cold archive's completion notifications
// arrive here, either bare or inside a topic envelope, and are forwarded to
// the restore queue. confirmer may be nil when subscriptions are confirmed
// out of band.
func NewRetrievalEventHandler(pub queue.Publisher, topic string, confirmer Confirmer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read body", nil)
			return
		}

		var env struct {
			Type     string `json:"Type"`
			TopicArn string `json:"TopicArn"`
			Token    string `json:"Token"`
		}
		_ = json.Unmarshal(body, &env)
		if t := r.Header.Get("X-Amz-Sns-Message-Type"); t != "" {
			env.Type = t
		}

		switch env.Type {
		case "SubscriptionConfirmation":
			if confirmer == nil {
				response.Error(w, http.StatusBadRequest, "UNSUPPORTED_EVENT", "Subscriptions are not confirmed here", nil)
				return
			}
			if err := confirmer.Confirm(r.Context(), env.TopicArn, env.Token); err != nil {
				slog.Error("confirm subscription failed", "topic", env.TopicArn, "error", err)
				response.Error(w, http.StatusBadGateway, "CONFIRM_FAILED", "Failed to confirm subscription", nil)
				return
			}
			response.JSON(w, map[string]string{"status": "confirmed"})
			return
		case "UnsubscribeConfirmation":
			response.JSON(w, map[string]string{"status": "ignored"})
			return
		}

		inner := queue.Unwrap(body)
		var ev models.RetrievalCompleted
		if err := json.Unmarshal(inner, &ev); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid retrieval notification", nil)
			return
		}
		if err := ev.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		if err := pub.Publish(r.Context(), topic, inner); err != nil {
			slog.Error("forward retrieval event failed", "retrieval_ref", ev.RetrievalRef, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to queue event", nil)
			return
		}
		slog.Info("retrieval event queued", "retrieval_ref", ev.RetrievalRef, "status_code", ev.StatusCode)
		response.Accepted(w, map[string]string{"retrieval_ref": ev.RetrievalRef})
	}
}
