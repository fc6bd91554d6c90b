package history

import (
	"context"

	"callsignal/internal/calls"
)

// Repository persists call history entries.
//
// It is append-only: there is no Update or Delete. Append is idempotent per
// CallID so a retried termination never produces a second entry.
type Repository interface {
	Append(ctx context.Context, e calls.CallHistoryEntry) error

	// ListByParticipant returns entries whose participants include userID,
	// newest first. limit <= 0 means the repository default.
	ListByParticipant(ctx context.Context, userID string, limit int) ([]calls.CallHistoryEntry, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
