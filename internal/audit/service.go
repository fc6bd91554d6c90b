package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"callsignal/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
// No Update/Delete methods are provided by design.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records call lifecycle events.
//
// IMPORTANT:
// - Audit is internal-only. Do not expose these records to participants.
// - The Log* helpers are best-effort: failures are logged and swallowed.
type Service struct {
	repo  Repository
	clock func() time.Time
	log   *slog.Logger
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now, log: slog.Default()}
}

// WithLogger sets the logger used for swallowed append failures.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogInitiated records a new ringing call placed by rec.CallerID.
func (s *Service) LogInitiated(ctx context.Context, rec calls.CallRecord) {
	s.bestEffort(ctx, Event{
		CallID:         rec.ID,
		Type:           EventCallInitiated,
		ActorUserID:    rec.CallerID,
		CounterpartyID: rec.ReceiverID,
		Kind:           string(rec.Kind),
	})
}

func (s *Service) LogAccepted(ctx context.Context, rec calls.CallRecord) {
	s.bestEffort(ctx, Event{
		CallID:         rec.ID,
		Type:           EventCallAccepted,
		ActorUserID:    rec.ReceiverID,
		CounterpartyID: rec.CallerID,
		Kind:           string(rec.Kind),
	})
}

// LogTerminated records how a call finished. actorID is the participant that
// won the terminal transition, or empty when the expiry sweeper ended it.
func (s *Service) LogTerminated(ctx context.Context, rec calls.CallRecord, actorID string, cause calls.Cause, c calls.Conclusion) {
	var counterparty string
	if actorID != "" {
		counterparty = rec.Counterparty(actorID)
	}
	typ := EventCallEnded
	switch {
	case rec.State == calls.StateRejected && cause != calls.CauseMediaAccess:
		typ = EventCallRejected
	case cause == calls.CauseConnectivity || cause == calls.CauseMediaAccess:
		typ = EventCallFailed
	}
	s.bestEffort(ctx, Event{
		CallID:          rec.ID,
		Type:            typ,
		ActorUserID:     actorID,
		CounterpartyID:  counterparty,
		Kind:            string(rec.Kind),
		Outcome:         string(c.Outcome),
		DurationSeconds: c.DurationSeconds,
		Message:         string(cause),
	})
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, e); err != nil {
		s.log.Warn("audit append failed", "call_id", e.CallID, "type", e.Type, "err", err)
	}
}
