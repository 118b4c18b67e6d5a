// Package adapter defines the boundary for exchange completion notifications.
//
// Adapters publish one event per finished query to a downstream system
// (a webhook or a Redis channel). The chat controller owns adapter lifecycle;
// users provide configuration only.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/codechat/types"
)

// EventTypeExchangeCompleted is the event_type of every published event.
const EventTypeExchangeCompleted = "exchange_completed"

// DefaultBackoff is the delay before the first retry; it doubles per retry.
const DefaultBackoff = 500 * time.Millisecond

// ExchangeCompletedEvent is the payload published when a query finishes.
// The answer text itself is not published, only its size.
type ExchangeCompletedEvent struct {
	ContractVersion string `json:"contract_version"`
	EventType       string `json:"event_type"`
	ExchangeID      string `json:"exchange_id"`
	SessionID       string `json:"session_id"`
	Workspace       string `json:"workspace"`
	Outcome         string `json:"outcome"` // done, error, worker_died, cancelled
	Message         string `json:"message,omitempty"`
	Timestamp       string `json:"timestamp"` // RFC 3339, when the query started
	Chunks          int    `json:"chunks"`
	AnswerBytes     int    `json:"answer_bytes"`
	DurationMs      int64  `json:"duration_ms"`
}

// NewExchangeCompletedEvent builds the event for a finished exchange.
func NewExchangeCompletedEvent(ex *types.Exchange) *ExchangeCompletedEvent {
	return &ExchangeCompletedEvent{
		ContractVersion: types.ProtocolVersion,
		EventType:       EventTypeExchangeCompleted,
		ExchangeID:      ex.ID,
		SessionID:       ex.SessionID,
		Workspace:       ex.Workspace,
		Outcome:         string(ex.Outcome),
		Message:         ex.Message,
		Timestamp:       ex.StartedAt.UTC().Format(time.RFC3339),
		Chunks:          ex.Chunks,
		AnswerBytes:     len(ex.Answer),
		DurationMs:      ex.Duration.Milliseconds(),
	}
}

// Adapter publishes exchange completion events to a downstream system.
type Adapter interface {
	// Publish sends one event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *ExchangeCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("non-retriable")

// Retry runs op up to 1+retries times with exponential backoff between
// attempts (backoff, 2*backoff, ...). It stops early on success, on a context
// error, or when op returns an error matching ErrPermanent.
func Retry(ctx context.Context, retries int, backoff time.Duration, op func(ctx context.Context) error) error {
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	attempts := 1 + retries

	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff << (i - 1)):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return lastErr
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
