package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callsignal/internal/calls"
)

// The check* helpers hold behaviour both CallStore implementations must share.
// memory_test.go and redis_store_test.go run each of them against a fresh store.

var t0 = time.Unix(1700000000, 0).UTC()

func newRinging(id, caller, receiver string, now time.Time) calls.CallRecord {
	return calls.CallRecord{
		SchemaVersion: calls.SchemaVersion,
		ID:            id,
		CallerID:      caller,
		ReceiverID:    receiver,
		Kind:          calls.KindAudio,
		State:         calls.StateRinging,
		Offer:         calls.NewOffer("v=0 offer"),
		CreatedAt:     now,
	}
}

func cand(s string) calls.Candidate {
	return calls.Candidate{Candidate: s}
}

func checkCreateAndPairClaim(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()

	if err := s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	// same pair in either direction is blocked while c1 rings
	if err := s.Create(ctx, newRinging("c2", "bob", "alice", t0), time.Minute); !errors.Is(err, calls.ErrPairBusy) {
		t.Fatalf("expected ErrPairBusy, got %v", err)
	}
	if err := s.Create(ctx, newRinging("c3", "alice", "carol", t0), time.Minute); err != nil {
		t.Fatalf("other pair must be free: %v", err)
	}

	got, err := s.PendingBetween(ctx, "alice", "bob")
	if err != nil || got.ID != "c1" {
		t.Fatalf("expected c1 pending, got %+v err=%v", got, err)
	}
	if _, err := s.PendingBetween(ctx, "bob", "alice"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("pending lookup is directional, got %v", err)
	}

	if _, err := s.Transition(ctx, "c1", calls.StateEnded, calls.CauseHangup, t0); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.Create(ctx, newRinging("c4", "bob", "alice", t0), time.Minute); err != nil {
		t.Fatalf("pair must be released after terminal transition: %v", err)
	}
}

func checkCreateRejectsInvalidRecords(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()

	bad := newRinging("c1", "alice", "bob", t0)
	bad.SchemaVersion = 99
	if err := s.Create(ctx, bad, time.Minute); !errors.Is(err, calls.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	accepted := newRinging("c2", "alice", "bob", t0)
	accepted.State = calls.StateAccepted
	if err := s.Create(ctx, accepted, time.Minute); !errors.Is(err, calls.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	withCause := newRinging("c3", "alice", "bob", t0)
	withCause.Cause = calls.CauseHangup
	if err := s.Create(ctx, withCause, time.Minute); !errors.Is(err, calls.ErrInvalidRecord) {
		t.Fatalf("live record must not carry a cause, got %v", err)
	}
}

func checkAcceptOnlyByReceiver(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	if _, err := s.Accept(ctx, "c1", "alice", calls.NewAnswer("a"), t0); !errors.Is(err, calls.ErrNotParticipant) {
		t.Fatalf("caller must not write the answer, got %v", err)
	}
	rec, err := s.Accept(ctx, "c1", "bob", calls.NewAnswer("a"), t0.Add(time.Second))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if rec.State != calls.StateAccepted || rec.Answer == nil || rec.StartedAt == nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Offer.SDP != "v=0 offer" {
		t.Fatalf("offer must be unchanged")
	}
	if _, err := s.Accept(ctx, "c1", "bob", calls.NewAnswer("b"), t0); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("answer is written once, got %v", err)
	}
	if _, err := s.PendingBetween(ctx, "alice", "bob"); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("accepted call is no longer pending, got %v", err)
	}
}

func checkAppendCandidateTagsRole(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	if n, err := s.AppendCandidate(ctx, "c1", "alice", cand("a1")); err != nil || n != 1 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	if n, err := s.AppendCandidate(ctx, "c1", "bob", cand("b1")); err != nil || n != 2 {
		t.Fatalf("append: n=%d err=%v", n, err)
	}
	if _, err := s.AppendCandidate(ctx, "c1", "mallory", cand("m1")); !errors.Is(err, calls.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
	if _, err := s.AppendCandidate(ctx, "missing", "alice", cand("x")); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	rec, _ := s.Get(ctx, "c1")
	if len(rec.Candidates) != 2 || rec.Candidates[0].Role != calls.RoleCaller || rec.Candidates[1].Role != calls.RoleReceiver {
		t.Fatalf("unexpected candidates: %+v", rec.Candidates)
	}

	_, _ = s.Transition(ctx, "c1", calls.StateEnded, calls.CauseHangup, t0)
	if _, err := s.AppendCandidate(ctx, "c1", "alice", cand("late")); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("terminal records take no candidates, got %v", err)
	}
	rec, _ = s.Get(ctx, "c1")
	if len(rec.Candidates) != 2 {
		t.Fatalf("refused append must not change the list, got %d", len(rec.Candidates))
	}
}

func checkConcurrentAppendsAreNotLost(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = s.AppendCandidate(ctx, "c1", "alice", cand("a")) }()
		go func() { defer wg.Done(); _, _ = s.AppendCandidate(ctx, "c1", "bob", cand("b")) }()
	}
	wg.Wait()

	rec, _ := s.Get(ctx, "c1")
	if len(rec.Candidates) != 100 {
		t.Fatalf("expected 100 candidates, got %d", len(rec.Candidates))
	}
}

func checkTransitionHasOneWinner(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	if _, err := s.Transition(ctx, "c1", calls.StateAccepted, calls.CauseHangup, t0); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("non-terminal target must be refused, got %v", err)
	}

	causes := []calls.Cause{calls.CauseHangup, calls.CauseRingTimeout, calls.CauseAborted, calls.CauseConnectivity}
	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		winner atomic.Value
	)
	for _, c := range causes {
		wg.Add(1)
		go func(c calls.Cause) {
			defer wg.Done()
			_, err := s.Transition(ctx, "c1", calls.StateEnded, c, t0.Add(time.Second))
			switch {
			case err == nil:
				wins.Add(1)
				winner.Store(c)
			case !errors.Is(err, calls.ErrInvalidTransition):
				t.Errorf("loser must see ErrInvalidTransition, got %v", err)
			}
		}(c)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != calls.StateEnded || rec.EndedAt == nil || rec.Cause != winner.Load().(calls.Cause) {
		t.Fatalf("record must carry the winner's cause: %+v", rec)
	}
	if _, err := s.Transition(ctx, "c1", calls.StateRejected, calls.CauseRejected, t0); !errors.Is(err, calls.ErrInvalidTransition) {
		t.Fatalf("terminal record must not move again, got %v", err)
	}
}

func checkWatchDeliversCurrentThenChangesThenGone(t *testing.T, s CallStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	ch, err := s.Watch(ctx, "c1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	first := next(t, ch)
	if first.Gone() || first.Record.State != calls.StateRinging {
		t.Fatalf("expected ringing snapshot, got %+v", first)
	}

	_, _ = s.Accept(ctx, "c1", "bob", calls.NewAnswer("a"), t0)
	snap := next(t, ch)
	if snap.Gone() || snap.Record.State != calls.StateAccepted {
		t.Fatalf("expected accepted snapshot, got %+v", snap)
	}

	_ = s.Delete(ctx, "c1")
	if snap := next(t, ch); !snap.Gone() {
		t.Fatalf("expected gone snapshot, got %+v", snap)
	}

	cancel()
	for range ch {
	}
}

func checkLeasesOnlyReportLiveRecords(t *testing.T, s CallStore) {
	t.Helper()
	ctx := context.Background()

	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), 30*time.Second)
	_ = s.Create(ctx, newRinging("c2", "carol", "dave", t0), 30*time.Second)
	_, _ = s.Transition(ctx, "c2", calls.StateEnded, calls.CauseHangup, t0)

	if err := s.Touch(ctx, "c1", t0.Add(20*time.Second), 30*time.Second); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// a late, older heartbeat never shortens the lease
	if err := s.Touch(ctx, "c1", t0.Add(5*time.Second), 30*time.Second); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.Touch(ctx, "c2", t0.Add(20*time.Second), 30*time.Second); err != nil {
		t.Fatalf("touching a terminal record is a no-op: %v", err)
	}
	if err := s.Touch(ctx, "missing", t0, 30*time.Second); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if got, err := s.Expired(ctx, t0.Add(45*time.Second)); err != nil || len(got) != 0 {
		t.Fatalf("heartbeat should have kept c1 live: %+v err=%v", got, err)
	}

	got, err := s.Expired(ctx, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(got) != 1 || got[0].CallID != "c1" || !got[0].SeenAt.Equal(t0.Add(20*time.Second)) {
		t.Fatalf("expected c1 seen at +20s, got %+v", got)
	}

	// a lapsed lease is reported, never acted on
	for _, id := range []string{"c1", "c2"} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Fatalf("%s must stay until it is deleted: %v", id, err)
		}
	}
}

func checkWatchIncoming(t *testing.T, s CallStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Create(ctx, newRinging("c1", "alice", "bob", t0), time.Minute)

	ch, err := s.WatchIncoming(ctx, "bob")
	if err != nil {
		t.Fatalf("watch incoming: %v", err)
	}
	if rec := nextRecord(t, ch); rec.ID != "c1" {
		t.Fatalf("expected existing ringing call first, got %s", rec.ID)
	}
	_ = s.Create(ctx, newRinging("c2", "carol", "bob", t0), time.Minute)
	if rec := nextRecord(t, ch); rec.ID != "c2" {
		t.Fatalf("expected c2, got %s", rec.ID)
	}
}

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatalf("watch channel closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func nextRecord(t *testing.T, ch <-chan calls.CallRecord) calls.CallRecord {
	t.Helper()
	select {
	case r, ok := <-ch:
		if !ok {
			t.Fatalf("incoming channel closed")
		}
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for incoming call")
	}
	return calls.CallRecord{}
}
