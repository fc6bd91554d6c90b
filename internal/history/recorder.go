// Package history writes the immutable summary of every terminated call and
// answers per-participant queries over those summaries.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsignal/internal/calls"
	"callsignal/internal/directory"

	"github.com/google/uuid"
)

// RecordDeleter removes a live call record once its history is durable.
type RecordDeleter interface {
	Delete(ctx context.Context, callID string) error
}

// Recorder turns terminal call records into history entries.
//
// Ordering rule: the entry is appended first and the record deleted second.
// If the append fails the record is left in the store so the termination can
// be retried; a record is never lost without its history.
type Recorder struct {
	repo    Repository
	records RecordDeleter
	dir     directory.Directory
	clock   func() time.Time
	log     *slog.Logger
}

func NewRecorder(repo Repository, records RecordDeleter, dir directory.Directory, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{repo: repo, records: records, dir: dir, clock: time.Now, log: log}
}

var ErrNotTerminal = errors.New("history: record is not terminal")

// RecordTermination appends the history entry for rec and then deletes rec.
// durationSeconds must be set for completed calls and nil otherwise.
func (r *Recorder) RecordTermination(ctx context.Context, rec calls.CallRecord, outcome calls.Outcome, durationSeconds *int) (calls.CallHistoryEntry, error) {
	if !rec.State.Terminal() {
		return calls.CallHistoryEntry{}, ErrNotTerminal
	}
	if r.repo == nil {
		return calls.CallHistoryEntry{}, &calls.HistoryWriteFailure{CallID: rec.ID, Err: errors.New("history: repository not configured")}
	}

	entry := r.entryFor(ctx, rec, outcome, durationSeconds)
	if err := calls.ValidateHistoryEntry(entry); err != nil {
		return calls.CallHistoryEntry{}, &calls.HistoryWriteFailure{CallID: rec.ID, Err: err}
	}
	if err := r.repo.Append(ctx, entry); err != nil {
		r.log.Error("history append failed; call record kept",
			"call_id", rec.ID,
			"outcome", outcome,
			"err", err,
		)
		return calls.CallHistoryEntry{}, &calls.HistoryWriteFailure{CallID: rec.ID, Err: err}
	}

	if r.records != nil {
		if err := r.records.Delete(ctx, rec.ID); err != nil {
			// History is durable; an undeleted terminal record is harmless and
			// a later Retry deletes it without a duplicate entry.
			r.log.Warn("call record delete failed after history write", "call_id", rec.ID, "err", err)
			return entry, calls.WriteError("delete", rec.ID, err)
		}
	}

	r.log.Info("call recorded",
		"call_id", rec.ID,
		"outcome", entry.Outcome,
		"duration_seconds", durationValue(entry.DurationSeconds),
	)
	return entry, nil
}

// ListForParticipant returns userID's history, newest first.
func (r *Recorder) ListForParticipant(ctx context.Context, userID string, limit int) ([]calls.CallHistoryEntry, error) {
	if userID == "" {
		return nil, fmt.Errorf("history: user id required")
	}
	if r.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	return r.repo.ListByParticipant(ctx, userID, limit)
}

func (r *Recorder) entryFor(ctx context.Context, rec calls.CallRecord, outcome calls.Outcome, durationSeconds *int) calls.CallHistoryEntry {
	ts := r.clock().UTC()
	if rec.EndedAt != nil {
		ts = rec.EndedAt.UTC()
	}
	var dur *int
	if durationSeconds != nil {
		d := *durationSeconds
		dur = &d
	}
	return calls.CallHistoryEntry{
		SchemaVersion:   calls.SchemaVersion,
		ID:              uuid.NewString(),
		CallID:          rec.ID,
		CallerID:        rec.CallerID,
		ReceiverID:      rec.ReceiverID,
		CallerName:      r.displayName(ctx, rec.CallerID),
		ReceiverName:    r.displayName(ctx, rec.ReceiverID),
		Kind:            rec.Kind,
		Outcome:         outcome,
		DurationSeconds: dur,
		Timestamp:       ts,
		Participants:    rec.Participants(),
	}
}

func (r *Recorder) displayName(ctx context.Context, userID string) string {
	name, err := directory.DisplayName(ctx, r.dir, userID)
	if err != nil {
		r.log.Warn("display name lookup failed, using id", "user_id", userID, "err", err)
	}
	return name
}

func durationValue(d *int) any {
	if d == nil {
		return nil
	}
	return *d
}
