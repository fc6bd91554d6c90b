package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"callsignal/internal/calls"
)

// MemoryStore is an in-process CallStore. It honours the same write rules and
// notification ordering as RedisStore and is used by tests and single-node runs.
type MemoryStore struct {
	mu sync.Mutex

	records map[string]*memEntry
	pairs   map[string]string // pairKey -> ringing call id

	nextSub  int
	watchers map[string]map[int]chan Snapshot
	incoming map[string]map[int]chan calls.CallRecord
}

type memEntry struct {
	rec        calls.CallRecord
	seenAt     time.Time
	leaseUntil time.Time // zero: no lease
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  map[string]*memEntry{},
		pairs:    map[string]string{},
		watchers: map[string]map[int]chan Snapshot{},
		incoming: map[string]map[int]chan calls.CallRecord{},
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec calls.CallRecord, ttl time.Duration) error {
	if rec.State != calls.StateRinging {
		return fmt.Errorf("%w: new records must be ringing", calls.ErrInvalidRecord)
	}
	if len(rec.Candidates) > 0 {
		return fmt.Errorf("%w: new records carry no candidates", calls.ErrInvalidRecord)
	}
	if err := calls.ValidateRecord(rec); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", calls.ErrInvalidRecord, rec.ID)
	}
	pk := pairKey(rec.CallerID, rec.ReceiverID)
	if holder, ok := m.pairs[pk]; ok {
		if _, live := m.records[holder]; live {
			return calls.ErrPairBusy
		}
	}

	e := &memEntry{rec: rec.Clone(), seenAt: rec.CreatedAt}
	if ttl > 0 {
		e.leaseUntil = rec.CreatedAt.Add(ttl)
	}
	m.records[rec.ID] = e
	m.pairs[pk] = rec.ID

	m.notifyLocked(rec.ID)
	for _, ch := range m.incoming[rec.ReceiverID] {
		select {
		case ch <- rec.Clone():
		default:
			slog.Warn("incoming subscriber lagging, dropping notification", "call_id", rec.ID, "user_id", rec.ReceiverID)
		}
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, callID string) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[callID]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (m *MemoryStore) Accept(ctx context.Context, callID, receiverID string, answer calls.Answer, at time.Time) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[callID]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	if e.rec.ReceiverID != receiverID {
		return calls.CallRecord{}, calls.ErrNotParticipant
	}
	if !e.rec.State.CanTransition(calls.StateAccepted) {
		return calls.CallRecord{}, calls.ErrInvalidTransition
	}

	next := e.rec.Clone()
	next.State = calls.StateAccepted
	next.Answer = &answer
	started := at.UTC()
	next.StartedAt = &started
	if err := calls.ValidateRecord(next); err != nil {
		return calls.CallRecord{}, err
	}

	e.rec = next
	m.releasePairLocked(next)
	m.notifyLocked(callID)
	return next.Clone(), nil
}

func (m *MemoryStore) AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[callID]
	if !ok {
		return 0, calls.ErrNotFound
	}
	role, ok := e.rec.RoleOf(actorID)
	if !ok {
		return 0, calls.ErrNotParticipant
	}
	if e.rec.State.Terminal() {
		return 0, calls.ErrInvalidTransition
	}
	c.Role = role
	if err := calls.ValidateCandidate(c); err != nil {
		return 0, err
	}

	e.rec.Candidates = append(e.rec.Candidates, c)
	m.notifyLocked(callID)
	return len(e.rec.Candidates), nil
}

func (m *MemoryStore) Transition(ctx context.Context, callID string, to calls.State, cause calls.Cause, at time.Time) (calls.CallRecord, error) {
	if !to.Terminal() {
		return calls.CallRecord{}, fmt.Errorf("%w: %s is not terminal", calls.ErrInvalidTransition, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[callID]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	if !e.rec.State.CanTransition(to) {
		return calls.CallRecord{}, calls.ErrInvalidTransition
	}

	next := e.rec.Clone()
	next.State = to
	ended := at.UTC()
	next.EndedAt = &ended
	next.Cause = cause
	if err := calls.ValidateRecord(next); err != nil {
		return calls.CallRecord{}, err
	}

	e.rec = next
	e.leaseUntil = time.Time{}
	m.releasePairLocked(next)
	m.notifyLocked(callID)
	return next.Clone(), nil
}

func (m *MemoryStore) Touch(ctx context.Context, callID string, at time.Time, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[callID]
	if !ok {
		return calls.ErrNotFound
	}
	if e.rec.State.Terminal() || ttl <= 0 {
		return nil
	}
	if at.After(e.seenAt) {
		e.seenAt = at
	}
	if until := at.Add(ttl); until.After(e.leaseUntil) {
		e.leaseUntil = until
	}
	return nil
}

func (m *MemoryStore) Expired(ctx context.Context, now time.Time) ([]Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Lease
	for id, e := range m.records {
		if e.leaseUntil.IsZero() || e.rec.State.Terminal() || now.Before(e.leaseUntil) {
			continue
		}
		out = append(out, Lease{CallID: id, SeenAt: e.seenAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteLocked(callID)
	return nil
}

func (m *MemoryStore) PendingBetween(ctx context.Context, callerID, receiverID string) (calls.CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holder, ok := m.pairs[pairKey(callerID, receiverID)]
	if !ok {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	e, ok := m.records[holder]
	if !ok || e.rec.State != calls.StateRinging || e.rec.CallerID != callerID {
		return calls.CallRecord{}, calls.ErrNotFound
	}
	return e.rec.Clone(), nil
}

func (m *MemoryStore) Watch(ctx context.Context, callID string) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.watchers[callID] == nil {
		m.watchers[callID] = map[int]chan Snapshot{}
	}
	m.watchers[callID][id] = ch
	offerLatest(ch, m.snapshotLocked(callID))
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers[callID], id)
		if len(m.watchers[callID]) == 0 {
			delete(m.watchers, callID)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStore) WatchIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, error) {
	ch := make(chan calls.CallRecord, 32)

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.incoming[userID] == nil {
		m.incoming[userID] = map[int]chan calls.CallRecord{}
	}
	m.incoming[userID][id] = ch
	for _, e := range m.records {
		if e.rec.ReceiverID == userID && e.rec.State == calls.StateRinging {
			select {
			case ch <- e.rec.Clone():
			default:
			}
		}
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.incoming[userID], id)
		if len(m.incoming[userID]) == 0 {
			delete(m.incoming, userID)
		}
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *MemoryStore) deleteLocked(callID string) {
	e, ok := m.records[callID]
	if !ok {
		return
	}
	delete(m.records, callID)
	m.releasePairLocked(e.rec)
	m.notifyLocked(callID)
}

func (m *MemoryStore) releasePairLocked(rec calls.CallRecord) {
	pk := pairKey(rec.CallerID, rec.ReceiverID)
	if m.pairs[pk] == rec.ID {
		delete(m.pairs, pk)
	}
}

func (m *MemoryStore) snapshotLocked(callID string) Snapshot {
	e, ok := m.records[callID]
	if !ok {
		return Snapshot{CallID: callID}
	}
	rec := e.rec.Clone()
	return Snapshot{CallID: callID, Record: &rec}
}

func (m *MemoryStore) notifyLocked(callID string) {
	subs := m.watchers[callID]
	if len(subs) == 0 {
		return
	}
	for _, ch := range subs {
		offerLatest(ch, m.snapshotLocked(callID))
	}
}
