package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callsignal/internal/audit"
	"callsignal/internal/calls"
	"callsignal/internal/history"
	"callsignal/internal/store"
)

type fixture struct {
	store   *store.MemoryStore
	history *history.MemoryRepo
	audit   *audit.MemoryRepo
	svc     *Service
	now     time.Time
	mu      sync.Mutex
}

func newFixture() *fixture {
	f := &fixture{
		store:   store.NewMemoryStore(),
		history: history.NewMemoryRepo(),
		audit:   audit.NewMemoryRepo(),
		now:     time.Unix(1700000000, 0).UTC(),
	}
	rec := history.NewRecorder(f.history, f.store, nil, nil)
	f.svc = NewService(f.store, rec, Options{
		Audit: audit.NewService(f.audit),
		Clock: f.clock,
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type flakyRepo struct {
	history.Repository
	fail atomic.Bool
}

func (r *flakyRepo) Append(ctx context.Context, e calls.CallHistoryEntry) error {
	if r.fail.Load() {
		return errors.New("connection reset")
	}
	return r.Repository.Append(ctx, e)
}

func TestService_AcceptedCallCompletesWithDuration(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	rec, err := f.svc.Create(ctx, "alice", "bob", calls.KindVideo, calls.NewOffer("v=0"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("v=0 a")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.advance(42 * time.Second)

	term, err := f.svc.End(ctx, rec.ID, "alice", calls.CauseHangup)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if term.Entry.Outcome != calls.OutcomeCompleted || *term.Entry.DurationSeconds != 42 {
		t.Fatalf("unexpected entry: %+v", term.Entry)
	}
	if _, err := f.store.Get(ctx, rec.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("record should be deleted, got %v", err)
	}

	// second End from either side is a settled no-op
	if _, err := f.svc.End(ctx, rec.ID, "bob", calls.CauseHangup); !IsSettled(err) {
		t.Fatalf("expected settled error, got %v", err)
	}
	if n := len(f.history.Entries()); n != 1 {
		t.Fatalf("expected exactly one history entry, got %d", n)
	}

	types := []audit.EventType{}
	for _, e := range f.audit.ForCall(rec.ID) {
		types = append(types, e.Type)
	}
	if len(types) != 3 || types[0] != audit.EventCallInitiated || types[1] != audit.EventCallAccepted || types[2] != audit.EventCallEnded {
		t.Fatalf("unexpected audit trail: %v", types)
	}
}

func TestService_EndWhileRingingIsMissed(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))

	term, err := f.svc.End(ctx, rec.ID, "alice", calls.CauseHangup)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if term.Entry.Outcome != calls.OutcomeMissed || term.Entry.DurationSeconds != nil {
		t.Fatalf("expected missed without duration, got %+v", term.Entry)
	}
}

func TestService_RejectOnlyByReceiverWhileRinging(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindVideo, calls.NewOffer("v=0"))

	if _, err := f.svc.Reject(ctx, rec.ID, "alice"); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("caller cannot reject, got %v", err)
	}
	if _, err := f.svc.Reject(ctx, rec.ID, "mallory"); !errors.Is(err, calls.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	term, err := f.svc.Reject(ctx, rec.ID, "bob")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if term.Entry.Outcome != calls.OutcomeRejected || term.Record.State != calls.StateRejected {
		t.Fatalf("unexpected termination: %+v", term)
	}
	if _, err := f.store.Get(ctx, rec.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("record should be deleted, got %v", err)
	}
}

func TestService_RejectAfterAcceptFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindVideo, calls.NewOffer("v=0"))
	_, _ = f.svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("a"))

	if _, err := f.svc.Reject(ctx, rec.ID, "bob"); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestService_HistoryFailureKeepsRecordAndRetryRecovers(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	repo := &flakyRepo{Repository: history.NewMemoryRepo()}
	repo.fail.Store(true)
	svc := NewService(s, history.NewRecorder(repo, s, nil, nil), Options{})

	rec, _ := svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))
	_, err := svc.End(ctx, rec.ID, "bob", calls.CauseHangup)
	var hwf *calls.HistoryWriteFailure
	if !errors.As(err, &hwf) {
		t.Fatalf("expected HistoryWriteFailure, got %v", err)
	}
	kept, err := s.Get(ctx, rec.ID)
	if err != nil || kept.State != calls.StateEnded {
		t.Fatalf("record must be kept in ended state: %+v err=%v", kept, err)
	}

	repo.fail.Store(false)
	entry, err := svc.Retry(ctx, rec.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if entry.Outcome != calls.OutcomeMissed {
		t.Fatalf("expected missed, got %s", entry.Outcome)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("record should be deleted after retry, got %v", err)
	}
}

func TestService_RetryRefusesLiveCalls(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))
	if _, err := f.svc.Retry(ctx, rec.ID); !errors.Is(err, history.ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
}

func TestService_ConcurrentEndsRecordOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))
	_, _ = f.svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("a"))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for _, who := range []string{"alice", "bob", "alice", "bob"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			if _, err := f.svc.End(ctx, rec.ID, who, calls.CauseHangup); err == nil {
				wins.Add(1)
			} else if !IsSettled(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}(who)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
	if n := len(f.history.Entries()); n != 1 {
		t.Fatalf("expected one history entry, got %d", n)
	}
}

func TestService_CreateValidatesInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.svc.Create(ctx, "alice", "alice", calls.KindAudio, calls.NewOffer("v=0")); !errors.Is(err, calls.ErrInvalidRecord) {
		t.Fatalf("self call must fail, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", "bob", calls.Kind("hologram"), calls.NewOffer("v=0")); !errors.Is(err, calls.ErrInvalidRecord) {
		t.Fatalf("bad kind must fail, got %v", err)
	}
	if _, err := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Create(ctx, "bob", "alice", calls.KindAudio, calls.NewOffer("v=0")); !errors.Is(err, calls.ErrPairBusy) {
		t.Fatalf("expected ErrPairBusy, got %v", err)
	}
}

func TestService_HeartbeatAndCandidatesCheckParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))

	if err := f.svc.Heartbeat(ctx, rec.ID, "mallory"); !errors.Is(err, calls.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if err := f.svc.Heartbeat(ctx, rec.ID, "bob"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if n, err := f.svc.AppendCandidate(ctx, rec.ID, "alice", calls.Candidate{Candidate: "candidate:1"}); err != nil || n != 1 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	if _, err := f.svc.Get(ctx, rec.ID, "mallory"); !errors.Is(err, calls.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestService_RetryKeepsTheOriginalCause(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	repo := &flakyRepo{Repository: history.NewMemoryRepo()}
	repo.fail.Store(true)
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(s, history.NewRecorder(repo, s, nil, nil), Options{Clock: func() time.Time { return now }})

	rec, _ := svc.Create(ctx, "alice", "bob", calls.KindVideo, calls.NewOffer("v=0"))
	if _, err := svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("a")); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// media never flowed: accepted and failed within the same second
	term, err := svc.End(ctx, rec.ID, "alice", calls.CauseConnectivity)
	var hwf *calls.HistoryWriteFailure
	if !errors.As(err, &hwf) {
		t.Fatalf("expected HistoryWriteFailure, got %v", err)
	}
	if term.Conclusion.Outcome != calls.OutcomeMissed {
		t.Fatalf("expected missed conclusion, got %+v", term.Conclusion)
	}
	kept, err := s.Get(ctx, rec.ID)
	if err != nil || kept.Cause != calls.CauseConnectivity {
		t.Fatalf("cause must be stored on the kept record: %+v err=%v", kept, err)
	}

	repo.fail.Store(false)
	entry, err := svc.Retry(ctx, rec.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if entry.Outcome != calls.OutcomeMissed || entry.DurationSeconds != nil {
		t.Fatalf("retry must conclude like the original termination, got %+v", entry)
	}
}

func TestService_ExpiryRecordsHistoryBeforeDeleting(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindVideo, calls.NewOffer("v=0"))
	if _, err := f.svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("a")); err != nil {
		t.Fatalf("accept: %v", err)
	}

	f.advance(DefaultRecordTTL + time.Second)
	n, err := f.svc.ExpireStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}

	entries := f.history.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one history entry for the expired call, got %d", len(entries))
	}
	if entries[0].CallID != rec.ID || entries[0].Outcome != calls.OutcomeMissed {
		t.Fatalf("accepted call without a heartbeat should be missed, got %+v", entries[0])
	}
	if _, err := f.store.Get(ctx, rec.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("record should be deleted after its entry is written, got %v", err)
	}

	trail := f.audit.ForCall(rec.ID)
	last := trail[len(trail)-1]
	if last.Type != audit.EventCallEnded || last.Message != string(calls.CauseExpired) || last.ActorUserID != "" {
		t.Fatalf("unexpected audit event: %+v", last)
	}

	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("second sweep must be a no-op: n=%d err=%v", n, err)
	}
}

func TestService_ExpiryEndsAtTheLastHeartbeat(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))
	_, _ = f.svc.Accept(ctx, rec.ID, "bob", calls.NewAnswer("a"))

	f.advance(30 * time.Second)
	if err := f.svc.Heartbeat(ctx, rec.ID, "alice"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	f.advance(DefaultRecordTTL - time.Second)
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("lease still running: n=%d err=%v", n, err)
	}
	if _, err := f.store.Get(ctx, rec.ID); err != nil {
		t.Fatalf("live record must survive: %v", err)
	}

	f.advance(2 * time.Second)
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	entries := f.history.Entries()
	if len(entries) != 1 || entries[0].Outcome != calls.OutcomeCompleted || *entries[0].DurationSeconds != 30 {
		t.Fatalf("expected completed 30s call, got %+v", entries)
	}
}

func TestService_ExpiredRingingCallIsMissedAndFreesThePair(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	rec, _ := f.svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))

	f.advance(DefaultRecordTTL)
	if n, err := f.svc.ExpireStale(ctx); err != nil || n != 1 {
		t.Fatalf("expire: n=%d err=%v", n, err)
	}
	entries := f.history.Entries()
	if len(entries) != 1 || entries[0].CallID != rec.ID || entries[0].Outcome != calls.OutcomeMissed {
		t.Fatalf("expected missed entry, got %+v", entries)
	}
	if _, err := f.svc.Create(ctx, "bob", "alice", calls.KindAudio, calls.NewOffer("v=0")); err != nil {
		t.Fatalf("pair should be free after expiry: %v", err)
	}
}

func TestService_ExpiryKeepsRecordWhenHistoryFails(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	repo := &flakyRepo{Repository: history.NewMemoryRepo()}
	repo.fail.Store(true)
	now := time.Unix(1700000000, 0).UTC()
	svc := NewService(s, history.NewRecorder(repo, s, nil, nil), Options{
		RecordTTL: time.Minute,
		Clock:     func() time.Time { return now },
	})
	rec, _ := svc.Create(ctx, "alice", "bob", calls.KindAudio, calls.NewOffer("v=0"))

	now = now.Add(2 * time.Minute)
	n, err := svc.ExpireStale(ctx)
	var hwf *calls.HistoryWriteFailure
	if n != 1 || !errors.As(err, &hwf) {
		t.Fatalf("expected one ended call with a history failure: n=%d err=%v", n, err)
	}
	kept, err := s.Get(ctx, rec.ID)
	if err != nil || kept.State != calls.StateEnded || kept.Cause != calls.CauseExpired {
		t.Fatalf("record must be kept ended for retry: %+v err=%v", kept, err)
	}
	if n, err := svc.ExpireStale(ctx); err != nil || n != 0 {
		t.Fatalf("terminal record holds no lease: n=%d err=%v", n, err)
	}

	repo.fail.Store(false)
	if _, err := svc.Retry(ctx, rec.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("record should be deleted after retry, got %v", err)
	}
}
