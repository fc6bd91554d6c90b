package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"callsignal/internal/calls"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []calls.CallHistoryEntry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e calls.CallHistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.CallID == e.CallID {
			return nil
		}
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRepo) ListByParticipant(ctx context.Context, userID string, limit int) ([]calls.CallHistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]calls.CallHistoryEntry, 0)
	for _, e := range r.entries {
		if involves(e, userID) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if n := clampLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func (r *MemoryRepo) ListBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.CallHistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]calls.CallHistoryEntry, 0)
	for _, e := range r.entries {
		if !involves(e, userID) || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func involves(e calls.CallHistoryEntry, userID string) bool {
	for _, p := range e.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Entries returns every stored entry in append order.
func (r *MemoryRepo) Entries() []calls.CallHistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.CallHistoryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
