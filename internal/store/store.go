// Package store holds the live CallRecord documents participants coordinate
// through. Two implementations exist: MemoryStore for tests and single-node
// runs, RedisStore for anything shared between processes.
package store

import (
	"context"
	"time"

	"callsignal/internal/calls"
)

// Snapshot is one observed state of a record. Record is nil once the record
// has been deleted.
type Snapshot struct {
	CallID string
	Record *calls.CallRecord
}

func (s Snapshot) Gone() bool { return s.Record == nil }

// Lease is a live record whose heartbeat deadline has passed. SeenAt is the
// last time a participant proved it was still there.
type Lease struct {
	CallID string
	SeenAt time.Time
}

// CallStore is the persistence and change-notification contract for call records.
//
// Write rules are enforced here rather than by convention:
//   - Create is the only way an Offer is written.
//   - Accept writes the Answer and only succeeds for the receiver of a ringing record.
//   - AppendCandidate derives the candidate role from actorID and is atomic.
//   - Transition moves a record to a terminal state only along a legal edge.
//   - Records never disappear on their own. A lapsed lease is only reported by
//     Expired; ending the call and deleting the record is the caller's job.
type CallStore interface {
	// Create persists a new ringing record and claims the caller/receiver pair.
	// The record's lease runs until rec.CreatedAt+ttl.
	// Fails with calls.ErrPairBusy when a ringing record already exists for the pair.
	Create(ctx context.Context, rec calls.CallRecord, ttl time.Duration) error

	Get(ctx context.Context, callID string) (calls.CallRecord, error)

	// Accept sets the answer and startedAt and moves ringing → accepted.
	Accept(ctx context.Context, callID, receiverID string, answer calls.Answer, at time.Time) (calls.CallRecord, error)

	// AppendCandidate appends c to the record's candidate list, tagging it with
	// the role actorID holds in the call. Returns the new list length.
	AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error)

	// Transition moves a record to a terminal state, setting endedAt and the
	// cause, and drops its lease. Only one concurrent caller can win; the
	// others get calls.ErrInvalidTransition.
	Transition(ctx context.Context, callID string, to calls.State, cause calls.Cause, at time.Time) (calls.CallRecord, error)

	// Touch records a heartbeat at `at` and moves the lease of a non-terminal
	// record to at+ttl. Terminal records are left alone.
	Touch(ctx context.Context, callID string, at time.Time, ttl time.Duration) error

	// Expired lists non-terminal records whose lease ended at or before now.
	Expired(ctx context.Context, now time.Time) ([]Lease, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, callID string) error

	// PendingBetween returns the ringing record placed by callerID to
	// receiverID, or calls.ErrNotFound.
	PendingBetween(ctx context.Context, callerID, receiverID string) (calls.CallRecord, error)

	// Watch streams snapshots of one record, current state first. The channel
	// is closed when ctx is done.
	Watch(ctx context.Context, callID string) (<-chan Snapshot, error)

	// WatchIncoming streams ringing records addressed to userID, existing ones
	// first. The channel is closed when ctx is done.
	WatchIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, error)
}

// pairKey is order-independent so a→b and b→a share one claim.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// offerLatest delivers s, replacing an undelivered older snapshot. Each
// snapshot carries full state so dropping an intermediate one loses nothing.
func offerLatest(ch chan Snapshot, s Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
