package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPermanent marks a handler failure that redelivery cannot fix. The
// message is recorded as a dead letter and acknowledged.
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so the loop dead-letters the message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Outcome is what the loop does with a message after its handler returns.
type Outcome string

const (
	OutcomeAck        Outcome = "ack"
	OutcomeDeadLetter Outcome = "dead_letter"
	OutcomeRetry      Outcome = "retry"
)

// Classify maps a handler result to an outcome. nil acks, a permanent error
// dead-letters, anything else leaves the message for redelivery.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeAck
	case errors.Is(err, ErrPermanent):
		return OutcomeDeadLetter
	default:
		return OutcomeRetry
	}
}

// Validator is implemented by every message payload.
type Validator interface {
	Validate() error
}

// Decode unmarshals a message body into v and validates it. Both failures
// are permanent: the same bytes will never decode differently.
func Decode(body []byte, v Validator) error {
	if err := json.Unmarshal(body, v); err != nil {
		return Permanent(fmt.Errorf("decode message: %w", err))
	}
	if err := v.Validate(); err != nil {
		return Permanent(err)
	}
	return nil
}
