package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Job names
const (
	JobSync     = "sync"
	JobDelivery = "webhook-delivery"
)

// Envelope is the body of every queued job. Attempt counts from zero.
type Envelope struct {
	Name    string          `json:"name"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(name string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return Envelope{Name: name, Payload: raw}, nil
}

func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Name, err)
	}
	return nil
}

// RetryPolicy is the per-queue retry rule applied by the consumer
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the wait before the retry that follows a failed attempt
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return Backoff(attempt, p.BaseBackoff, p.MaxBackoff)
}

// Exhausted reports whether no retry is left after attempt failed
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.MaxAttempts
}

// Backoff is min(base * 2^attempt, max)
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as one a retry cannot fix
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
