package audit

import "time"

// Event is an immutable, append-only audit log record of a call lifecycle step.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required; every event belongs to exactly one call.
// - audit is best-effort; call flows never block on audit failures.
//
// Storage recommendation (Postgres):
// - Table call_audit_events with an INSERT-only policy.
// - Optional: partition by time for retention.
type Event struct {
	ID     string    `json:"id" db:"id"`
	CallID string    `json:"call_id" db:"call_id"`
	Type   EventType `json:"type" db:"type"`

	// ActorUserID is the participant whose action produced the event.
	ActorUserID    string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	CounterpartyID string `json:"counterparty_id,omitempty" db:"counterparty_id"`

	Kind            string `json:"kind,omitempty" db:"kind"`
	Outcome         string `json:"outcome,omitempty" db:"outcome"`
	DurationSeconds *int   `json:"duration_seconds,omitempty" db:"duration_seconds"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCallInitiated EventType = "call_initiated"
	EventCallAccepted  EventType = "call_accepted"
	EventCallRejected  EventType = "call_rejected"
	EventCallEnded     EventType = "call_ended"
	EventCallFailed    EventType = "call_failed"
)
