package calls

import (
	"math"
	"time"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateRejected
}

// CanTransition reports whether s → to is a legal edge.
//
//	ringing  → accepted | rejected | ended
//	accepted → ended
func (s State) CanTransition(to State) bool {
	switch s {
	case StateRinging:
		return to == StateAccepted || to == StateRejected || to == StateEnded
	case StateAccepted:
		return to == StateEnded
	default:
		return false
	}
}

// Cause records why a call was terminated.
type Cause string

const (
	CauseHangup       Cause = "hangup"
	CauseRejected     Cause = "rejected"
	CauseConnectivity Cause = "connectivity_failure"
	CauseRingTimeout  Cause = "ring_timeout"
	CauseAborted      Cause = "aborted"
	CauseMediaAccess  Cause = "media_access"
	// CauseExpired ends a live record whose participants stopped heartbeating.
	CauseExpired Cause = "expired"
)

// Conclusion is the history-facing summary of a terminated record.
type Conclusion struct {
	Outcome         Outcome
	DurationSeconds *int
}

// Conclude derives the history outcome for a record that reached a terminal
// state. It is evaluated against the final record (EndedAt set).
func Conclude(r CallRecord, cause Cause) Conclusion {
	if r.State == StateRejected {
		return Conclusion{Outcome: OutcomeRejected}
	}
	if r.StartedAt == nil {
		return Conclusion{Outcome: OutcomeMissed}
	}

	end := r.CreatedAt
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	secs := DurationSeconds(*r.StartedAt, end)
	// a call that never carried media is not a completed conversation.
	if (cause == CauseConnectivity || cause == CauseAborted || cause == CauseExpired) && secs == 0 {
		return Conclusion{Outcome: OutcomeMissed}
	}
	return Conclusion{Outcome: OutcomeCompleted, DurationSeconds: &secs}
}

// DurationSeconds rounds end-start to whole seconds, never negative.
func DurationSeconds(start, end time.Time) int {
	d := end.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Seconds()))
}
