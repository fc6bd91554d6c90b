// Package lifecycle applies the store-side rules of a call: who may write what,
// which transitions are legal, and the terminate-then-record sequence. Both the
// participant session manager and the HTTP API go through it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsignal/internal/audit"
	"callsignal/internal/calls"
	"callsignal/internal/history"
	"callsignal/internal/store"

	"github.com/google/uuid"
)

const (
	DefaultRecordTTL      = 2 * time.Minute
	DefaultExpiryInterval = 10 * time.Second
)

type Options struct {
	// RecordTTL is the lease a heartbeat buys a non-terminal record. A record
	// whose lease lapses is ended by ExpireStale.
	RecordTTL time.Duration
	Audit     *audit.Service
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Service struct {
	store    store.CallStore
	recorder *history.Recorder
	audit    *audit.Service
	ttl      time.Duration
	clock    func() time.Time
	log      *slog.Logger
}

func NewService(st store.CallStore, rec *history.Recorder, opts Options) *Service {
	s := &Service{
		store:    st,
		recorder: rec,
		audit:    opts.Audit,
		ttl:      opts.RecordTTL,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if s.ttl <= 0 {
		s.ttl = DefaultRecordTTL
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Termination is the result of a terminal transition won by this caller.
type Termination struct {
	Record     calls.CallRecord
	Conclusion calls.Conclusion
	Entry      calls.CallHistoryEntry
}

// Create persists a new ringing call from callerID to receiverID.
func (s *Service) Create(ctx context.Context, callerID, receiverID string, kind calls.Kind, offer calls.Offer) (calls.CallRecord, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID {
		return calls.CallRecord{}, fmt.Errorf("%w: caller and receiver must be distinct users", calls.ErrInvalidRecord)
	}
	if !kind.Valid() {
		return calls.CallRecord{}, fmt.Errorf("%w: unknown kind %q", calls.ErrInvalidRecord, kind)
	}

	rec := calls.CallRecord{
		SchemaVersion: calls.SchemaVersion,
		ID:            uuid.NewString(),
		CallerID:      callerID,
		ReceiverID:    receiverID,
		Kind:          kind,
		State:         calls.StateRinging,
		Offer:         offer,
		Candidates:    []calls.Candidate{},
		CreatedAt:     s.clock().UTC(),
	}
	if err := s.store.Create(ctx, rec, s.ttl); err != nil {
		return calls.CallRecord{}, calls.WriteError("create", rec.ID, err)
	}

	s.log.Info("call created", "call_id", rec.ID, "caller_id", callerID, "receiver_id", receiverID, "kind", kind)
	s.audit.LogInitiated(ctx, rec)
	return rec, nil
}

// Get returns the record if actorID takes part in it.
func (s *Service) Get(ctx context.Context, callID, actorID string) (calls.CallRecord, error) {
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return calls.CallRecord{}, err
	}
	if _, ok := rec.RoleOf(actorID); !ok {
		return calls.CallRecord{}, calls.ErrNotParticipant
	}
	return rec, nil
}

// Accept writes the receiver's answer and moves the call to accepted.
func (s *Service) Accept(ctx context.Context, callID, receiverID string, answer calls.Answer) (calls.CallRecord, error) {
	rec, err := s.store.Accept(ctx, callID, receiverID, answer, s.clock())
	if err != nil {
		return calls.CallRecord{}, calls.WriteError("accept", callID, err)
	}
	if err := s.store.Touch(ctx, callID, *rec.StartedAt, s.ttl); err != nil {
		s.log.Warn("lease refresh after accept failed", "call_id", callID, "err", err)
	}
	s.log.Info("call accepted", "call_id", callID, "receiver_id", receiverID)
	s.audit.LogAccepted(ctx, rec)
	return rec, nil
}

// Reject declines a ringing call. Only the receiver may reject; the caller
// withdraws a ringing call with End.
func (s *Service) Reject(ctx context.Context, callID, receiverID string) (Termination, error) {
	return s.rejectWithCause(ctx, callID, receiverID, calls.CauseRejected)
}

// RejectForMedia rejects a call the receiver could not capture media for.
func (s *Service) RejectForMedia(ctx context.Context, callID, receiverID string) (Termination, error) {
	return s.rejectWithCause(ctx, callID, receiverID, calls.CauseMediaAccess)
}

func (s *Service) rejectWithCause(ctx context.Context, callID, receiverID string, cause calls.Cause) (Termination, error) {
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return Termination{}, err
	}
	role, ok := rec.RoleOf(receiverID)
	if !ok {
		return Termination{}, calls.ErrNotParticipant
	}
	if role != calls.RoleReceiver {
		return Termination{}, fmt.Errorf("%w: only the receiver may reject", calls.ErrInvalidTransition)
	}
	if rec.State != calls.StateRinging {
		return Termination{}, calls.ErrInvalidTransition
	}
	return s.terminate(ctx, callID, receiverID, calls.StateRejected, cause)
}

// End terminates a non-terminal call on behalf of actorID. When the record is
// already terminal or gone, End returns calls.ErrInvalidTransition or
// calls.ErrNotFound and writes nothing: the first terminator records history.
func (s *Service) End(ctx context.Context, callID, actorID string, cause calls.Cause) (Termination, error) {
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return Termination{}, err
	}
	if _, ok := rec.RoleOf(actorID); !ok {
		return Termination{}, calls.ErrNotParticipant
	}
	if rec.State.Terminal() {
		return Termination{}, calls.ErrInvalidTransition
	}
	return s.terminate(ctx, callID, actorID, calls.StateEnded, cause)
}

func (s *Service) terminate(ctx context.Context, callID, actorID string, to calls.State, cause calls.Cause) (Termination, error) {
	return s.terminateAt(ctx, callID, actorID, to, cause, s.clock())
}

func (s *Service) terminateAt(ctx context.Context, callID, actorID string, to calls.State, cause calls.Cause, at time.Time) (Termination, error) {
	final, err := s.store.Transition(ctx, callID, to, cause, at)
	if err != nil {
		return Termination{}, calls.WriteError(string(to), callID, err)
	}
	c := calls.Conclude(final, cause)
	s.audit.LogTerminated(ctx, final, actorID, cause, c)

	out := Termination{Record: final, Conclusion: c}
	// a failed record delete still returns the written entry
	out.Entry, err = s.recorder.RecordTermination(ctx, final, c.Outcome, c.DurationSeconds)
	return out, err
}

// AppendCandidate appends one trickled candidate on behalf of actorID.
func (s *Service) AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error) {
	n, err := s.store.AppendCandidate(ctx, callID, actorID, c)
	if err != nil {
		return 0, calls.WriteError("append_candidate", callID, err)
	}
	return n, nil
}

// Heartbeat renews the record's lease while a participant is present.
func (s *Service) Heartbeat(ctx context.Context, callID, actorID string) error {
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return err
	}
	if _, ok := rec.RoleOf(actorID); !ok {
		return calls.ErrNotParticipant
	}
	if err := s.store.Touch(ctx, callID, s.clock(), s.ttl); err != nil {
		return calls.WriteError("touch", callID, err)
	}
	return nil
}

// PendingBetween returns the ringing call callerID placed to receiverID.
func (s *Service) PendingBetween(ctx context.Context, callerID, receiverID string) (calls.CallRecord, error) {
	return s.store.PendingBetween(ctx, callerID, receiverID)
}

// Retry re-runs the history write for a terminal record that a failed write
// left behind, concluding it with the cause stored by the transition.
func (s *Service) Retry(ctx context.Context, callID string) (calls.CallHistoryEntry, error) {
	rec, err := s.store.Get(ctx, callID)
	if err != nil {
		return calls.CallHistoryEntry{}, err
	}
	if !rec.State.Terminal() {
		return calls.CallHistoryEntry{}, history.ErrNotTerminal
	}
	cause := rec.Cause
	if cause == "" {
		// written before causes were stored
		cause = calls.CauseHangup
		if rec.State == calls.StateRejected {
			cause = calls.CauseRejected
		}
	}
	c := calls.Conclude(rec, cause)
	entry, err := s.recorder.RecordTermination(ctx, rec, c.Outcome, c.DurationSeconds)
	if err != nil {
		return calls.CallHistoryEntry{}, err
	}
	s.log.Info("history retry succeeded", "call_id", callID, "outcome", entry.Outcome)
	return entry, nil
}

// ExpireStale ends every live call whose lease has lapsed. The call is ended
// at its last heartbeat, so the recorded duration only covers time both sides
// were provably present. It returns how many calls were ended here; a call
// whose history write failed counts, and stays terminal for Retry.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.clock()
	leases, err := s.store.Expired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	var (
		ended int
		errs  []error
	)
	for _, l := range leases {
		at := l.SeenAt
		if at.IsZero() {
			at = now
		}
		t, err := s.terminateAt(ctx, l.CallID, "", calls.StateEnded, calls.CauseExpired, at)
		switch {
		case err == nil:
			ended++
			s.log.Info("call expired", "call_id", l.CallID, "outcome", t.Conclusion.Outcome, "last_seen", at)
		case IsSettled(err):
			// a participant or another sweeper ended it first
		case t.Record.ID != "":
			ended++
			s.log.Warn("expired call kept for history retry", "call_id", l.CallID, "err", err)
			errs = append(errs, err)
		default:
			errs = append(errs, err)
		}
	}
	return ended, errors.Join(errs...)
}

// RunExpiry calls ExpireStale every interval until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.ExpireStale(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("expiry sweep failed", "err", err)
			}
		}
	}
}

// Watch and WatchIncoming expose store subscriptions to participant surfaces.
func (s *Service) Watch(ctx context.Context, callID string) (<-chan store.Snapshot, error) {
	return s.store.Watch(ctx, callID)
}

func (s *Service) WatchIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, error) {
	return s.store.WatchIncoming(ctx, userID)
}

// IsSettled reports whether err from End/Reject means another participant
// already terminated the call.
func IsSettled(err error) bool {
	return errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound)
}
