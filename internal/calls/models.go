package calls

import "time"

// CallRecord is the shared document both participants coordinate a call through.
//
// Field ownership:
// - caller creates the record and owns Offer.
// - receiver writes Answer, exactly once, when accepting.
// - Candidates are append-only; each entry is tagged with the producing role.
// - either side may move State forward to a terminal state.
//
// A record is deleted only after its CallHistoryEntry has been written.
type CallRecord struct {
	SchemaVersion int `json:"schemaVersion" validate:"required"`

	ID         string `json:"id" validate:"required"`
	CallerID   string `json:"callerId" validate:"required"`
	ReceiverID string `json:"receiverId" validate:"required,nefield=CallerID"`
	Kind       Kind   `json:"kind" validate:"required,oneof=video audio"`
	State      State  `json:"state" validate:"required,oneof=ringing accepted rejected ended"`

	Offer  Offer   `json:"offer"`
	Answer *Answer `json:"answer,omitempty"`

	Candidates []Candidate `json:"candidates" validate:"dive"`

	CreatedAt time.Time  `json:"createdAt" validate:"required"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`

	// Cause is set together with EndedAt by the terminal transition.
	Cause Cause `json:"cause,omitempty" validate:"omitempty,oneof=hangup rejected connectivity_failure ring_timeout aborted media_access expired"`
}

// Kind selects which local media a participant must capture.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool {
	return k == KindVideo || k == KindAudio
}

type State string

const (
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"
	StateRejected State = "rejected"
	StateEnded    State = "ended"
)

// Role identifies which side of a call a participant is on.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// Opposite returns the other side of the call.
func (r Role) Opposite() Role {
	if r == RoleCaller {
		return RoleReceiver
	}
	return RoleCaller
}

// SessionDescription is an opaque SDP payload.
type SessionDescription struct {
	Type string `json:"type" validate:"required,oneof=offer answer"`
	SDP  string `json:"sdp" validate:"required"`
}

// Offer and Answer are distinct types so that a caller-owned description can
// never be written where the receiver's belongs, and vice versa.
type Offer struct {
	SessionDescription
}

type Answer struct {
	SessionDescription
}

func NewOffer(sdp string) Offer {
	return Offer{SessionDescription{Type: "offer", SDP: sdp}}
}

func NewAnswer(sdp string) Answer {
	return Answer{SessionDescription{Type: "answer", SDP: sdp}}
}

// Candidate is a trickled ICE candidate.
type Candidate struct {
	Role             Role    `json:"role" validate:"required,oneof=caller receiver"`
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Outcome is how a call is summarised in history.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeMissed    Outcome = "missed"
	OutcomeRejected  Outcome = "rejected"
)

// CallHistoryEntry is an immutable summary written once per terminated call.
type CallHistoryEntry struct {
	SchemaVersion int `json:"schemaVersion" db:"schema_version" validate:"required"`

	ID     string `json:"id" db:"id" validate:"required"`
	CallID string `json:"callId" db:"call_id" validate:"required"`

	CallerID     string `json:"callerId" db:"caller_id" validate:"required"`
	ReceiverID   string `json:"receiverId" db:"receiver_id" validate:"required"`
	CallerName   string `json:"callerName" db:"caller_name"`
	ReceiverName string `json:"receiverName" db:"receiver_name"`

	Kind    Kind    `json:"kind" db:"kind" validate:"required,oneof=video audio"`
	Outcome Outcome `json:"outcome" db:"outcome" validate:"required,oneof=completed missed rejected"`

	// DurationSeconds is only set for completed calls.
	DurationSeconds *int `json:"durationSeconds,omitempty" db:"duration_seconds"`

	Timestamp    time.Time `json:"timestamp" db:"timestamp" validate:"required"`
	Participants []string  `json:"participants" db:"participants" validate:"len=2"`
}

// RoleOf reports which side userID is on.
func (r CallRecord) RoleOf(userID string) (Role, bool) {
	switch userID {
	case "":
		return "", false
	case r.CallerID:
		return RoleCaller, true
	case r.ReceiverID:
		return RoleReceiver, true
	default:
		return "", false
	}
}

// Counterparty returns the other participant's id.
func (r CallRecord) Counterparty(userID string) string {
	if userID == r.CallerID {
		return r.ReceiverID
	}
	return r.CallerID
}

func (r CallRecord) Participants() []string {
	return []string{r.CallerID, r.ReceiverID}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r CallRecord) Clone() CallRecord {
	out := r
	if r.Answer != nil {
		a := *r.Answer
		out.Answer = &a
	}
	if r.Candidates != nil {
		out.Candidates = make([]Candidate, len(r.Candidates))
		copy(out.Candidates, r.Candidates)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}
