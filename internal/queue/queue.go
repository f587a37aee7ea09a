// Package queue is the durable queue and topic fabric the workers talk through.
// Delivery is at-least-once: a received message stays invisible for the
// visibility timeout and comes back unless it is deleted.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by a queue whose underlying connection is gone.
var ErrClosed = errors.New("queue closed")

// Message is one delivery of a queued payload.
type Message struct {
	ID    string
	Queue string
	Body  []byte
	// Receipt is the backend handle needed to delete this delivery.
	Receipt string
	// Attempt counts deliveries of this message, starting at 1.
	Attempt int
}

// Queue is a single consumer-side queue.
type Queue interface {
	Name() string
	// Receive long-polls for up to wait and returns zero or more messages.
	Receive(ctx context.Context, wait time.Duration) ([]Message, error)
	// Delete acknowledges a message so it is never redelivered.
	Delete(ctx context.Context, msg Message) error
}

// Releaser is implemented by queues that must be told explicitly that a
// message was not handled, so it can be redelivered later.
type Releaser interface {
	Release(ctx context.Context, msg Message) error
}

// Publisher fans a payload out to every queue subscribed to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}

// PublishJSON marshals v and publishes it to topic.
func PublishJSON(ctx context.Context, p Publisher, topic string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return p.Publish(ctx, topic, body)
}

// snsEnvelope is the JSON wrapper a topic adds when it delivers to a queue.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// Unwrap returns the inner payload of a topic notification envelope, or the
// body unchanged when it is not wrapped.
func Unwrap(body []byte) []byte {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.Type == "Notification" && env.Message != "" {
		return []byte(env.Message)
	}
	return body
}
