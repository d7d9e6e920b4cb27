// Package events broadcasts engine state changes to live listeners.
//
// Publishing is best-effort: the engine publishes only after a transaction has
// committed and never fails an operation because a sink is unavailable.
package events

import (
	"context"
	"time"
)

// Broadcast event types
const (
	TypeCallOpened          = "call_opened"
	TypeAssignmentConfirmed = "assignment_confirmed"
	TypeCallClosed          = "call_closed"
	TypeResponseCancelled   = "response_cancelled"
	TypeResponseDeclined    = "response_declined"
)

// Reasons carried by call_closed
const (
	ReasonAlreadyTaken = "already_taken"
	ReasonExpired      = "expired"
)

// Event is a broadcast message
type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	TS      time.Time      `json:"ts"`
}

// Publisher delivers events to one sink. Implementations must not block for
// long and must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, event Event) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}
