package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndPairClaim(t *testing.T) {
	checkCreateAndPairClaim(t, NewMemoryStore())
}

func TestMemoryStore_CreateRejectsInvalidRecords(t *testing.T) {
	checkCreateRejectsInvalidRecords(t, NewMemoryStore())
}

func TestMemoryStore_AcceptOnlyByReceiver(t *testing.T) {
	checkAcceptOnlyByReceiver(t, NewMemoryStore())
}

func TestMemoryStore_AppendCandidateTagsRole(t *testing.T) {
	checkAppendCandidateTagsRole(t, NewMemoryStore())
}

func TestMemoryStore_ConcurrentAppendsAreNotLost(t *testing.T) {
	checkConcurrentAppendsAreNotLost(t, NewMemoryStore())
}

func TestMemoryStore_TransitionHasOneWinner(t *testing.T) {
	checkTransitionHasOneWinner(t, NewMemoryStore())
}

func TestMemoryStore_WatchDeliversCurrentThenChangesThenGone(t *testing.T) {
	checkWatchDeliversCurrentThenChangesThenGone(t, NewMemoryStore())
}

func TestMemoryStore_LeasesOnlyReportLiveRecords(t *testing.T) {
	checkLeasesOnlyReportLiveRecords(t, NewMemoryStore())
}

func TestMemoryStore_WatchIncoming(t *testing.T) {
	checkWatchIncoming(t, NewMemoryStore())
}

func TestMemoryStore_ExpiredListsByCallID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"c3", "c1", "c2"} {
		_ = s.Create(ctx, newRinging(id, "alice-"+id, "bob", t0), time.Minute)
	}
	got, err := s.Expired(ctx, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(got) != 3 || got[0].CallID != "c1" || got[1].CallID != "c2" || got[2].CallID != "c3" {
		t.Fatalf("unexpected order: %+v", got)
	}
	for _, l := range got {
		if !l.SeenAt.Equal(t0) {
			t.Fatalf("unheartbeated record is last seen at creation, got %+v", l)
		}
	}
}
