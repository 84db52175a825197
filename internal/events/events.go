package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types published by the engine. Delivery is at least
// once; consumers must be idempotent on EventID.
const (
	WindowOpened           = "window.opened"
	WindowClosed           = "window.closed"
	WindowCompleted        = "window.completed"
	WindowFailed           = "window.failed"
	WindowRolledBack       = "window.rolled_back"
	SettlementFinalized    = "settlement.finalized"
	SettlementFailed       = "settlement.failed"
	LockExpired            = "lock.expired"
	OperationFailed        = "operation.failed"
	ReconciliationMismatch = "reconciliation.mismatch"
)

// Event is a single lifecycle event.
type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh ID and timestamp.
func New(eventType string, payload map[string]any) Event {
	return Event{
		EventID:    "EVT_" + uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// Publisher delivers lifecycle events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
