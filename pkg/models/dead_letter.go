package models

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetter records a message that could never be processed. It is kept for
// inspection; nothing replays it automatically.
type DeadLetter struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Queue     string    `db:"queue"      json:"queue"`
	MessageID string    `db:"message_id" json:"message_id"`
	Body      []byte    `db:"body"       json:"body"`
	Error     string    `db:"error"      json:"error"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
