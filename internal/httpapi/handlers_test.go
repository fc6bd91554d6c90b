package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callsignal/internal/auth"
	"callsignal/internal/calls"
	"callsignal/internal/config"
	"callsignal/internal/directory"
	"callsignal/internal/history"
	"callsignal/internal/lifecycle"
	"callsignal/internal/reporting"
	"callsignal/internal/store"

	"github.com/gin-gonic/gin"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type brokenRepo struct{}

func (brokenRepo) Append(context.Context, calls.CallHistoryEntry) error {
	return errors.New("disk full")
}

func (brokenRepo) ListByParticipant(context.Context, string, int) ([]calls.CallHistoryEntry, error) {
	return nil, nil
}

type fixture struct {
	router *gin.Engine
	store  *store.MemoryStore
	repo   *history.MemoryRepo
	calls  *lifecycle.Service
	auth   *auth.Manager
	clock  *testClock
}

func newFixture(t *testing.T, repo history.Repository) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	st := store.NewMemoryStore()
	mem := history.NewMemoryRepo()
	if repo == nil {
		repo = mem
	}
	dir := directory.NewMemoryDirectory(
		directory.User{ID: "alice", DisplayName: "Alice"},
		directory.User{ID: "bob", DisplayName: "Bob"},
		directory.User{ID: "carol", DisplayName: "Carol"},
	)
	rec := history.NewRecorder(repo, st, dir, discard)
	svc := lifecycle.NewService(st, rec, lifecycle.Options{Clock: clock.Now, Logger: discard})

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "test-secret", AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: 24 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	h := Handlers{
		Auth:           am,
		Calls:          svc,
		History:        rec,
		Reports:        reporting.NewService(mem),
		Directory:      dir,
		AllowedOrigins: []string{"https://app.example.com"},
		Now:            clock.Now,
	}
	r := gin.New()
	r.POST("/v1/auth/login", h.DevLogin)
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(am))
	Register(v1, h)

	return &fixture{router: r, store: st, repo: mem, calls: svc, auth: am, clock: clock}
}

func (f *fixture) token(t *testing.T, userID string) string {
	t.Helper()
	p, err := f.auth.IssuePair(time.Now(), userID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return p.AccessToken
}

func (f *fixture) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(t, userID))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func createBody(receiver string) gin.H {
	return gin.H{"receiverId": receiver, "kind": "video", "offer": gin.H{"sdp": "v=0 offer"}}
}

func TestCallFlow_CompletedCallIsRecorded(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob"))
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	rec := decode[calls.CallRecord](t, w)
	if rec.State != calls.StateRinging || rec.CallerID != "alice" {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if w := f.do(t, "bob", http.MethodGet, "/v1/calls/"+rec.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("receiver get: %d", w.Code)
	}
	w = f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/accept", gin.H{"answer": gin.H{"sdp": "v=0 answer"}})
	if w.Code != http.StatusOK {
		t.Fatalf("accept: %d %s", w.Code, w.Body.String())
	}

	f.clock.Advance(42 * time.Second)
	w = f.do(t, "alice", http.MethodPost, "/v1/calls/"+rec.ID+"/end", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	term := decode[terminationResponse](t, w)
	if term.Outcome != calls.OutcomeCompleted || term.DurationSeconds == nil || *term.DurationSeconds != 42 || !term.HistoryRecorded {
		t.Fatalf("unexpected termination: %+v", term)
	}

	if w := f.do(t, "alice", http.MethodGet, "/v1/calls/"+rec.ID, nil); w.Code != http.StatusNotFound {
		t.Fatalf("record must be deleted after history, got %d", w.Code)
	}
	if w := f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/end", nil); w.Code != http.StatusNotFound {
		t.Fatalf("second end must not record again, got %d", w.Code)
	}

	w = f.do(t, "bob", http.MethodGet, "/v1/history", nil)
	list := decode[struct {
		Entries []calls.CallHistoryEntry `json:"entries"`
	}](t, w)
	if len(list.Entries) != 1 || list.Entries[0].CallerName != "Alice" {
		t.Fatalf("unexpected history: %+v", list.Entries)
	}

	// the default window is [now-30d, now)
	f.clock.Advance(time.Second)
	w = f.do(t, "alice", http.MethodGet, "/v1/history/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: %d %s", w.Code, w.Body.String())
	}
	sum := decode[reporting.Summary](t, w)
	if sum.Completed != 1 || sum.TotalTalkSeconds != 42 || sum.Outgoing != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestCallFlow_CallerWithdrawsRingingCall(t *testing.T) {
	f := newFixture(t, nil)
	rec := decode[calls.CallRecord](t, f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob")))

	w := f.do(t, "alice", http.MethodPost, "/v1/calls/"+rec.ID+"/end", gin.H{"cause": "hangup"})
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	if term := decode[terminationResponse](t, w); term.Outcome != calls.OutcomeMissed || term.DurationSeconds != nil {
		t.Fatalf("expected missed without duration, got %+v", term)
	}
}

func TestRejectCall(t *testing.T) {
	f := newFixture(t, nil)
	rec := decode[calls.CallRecord](t, f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob")))

	if w := f.do(t, "alice", http.MethodPost, "/v1/calls/"+rec.ID+"/reject", nil); w.Code != http.StatusConflict {
		t.Fatalf("caller reject must conflict, got %d", w.Code)
	}
	if w := f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/reject", gin.H{"reason": "bored"}); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown reason must be 400, got %d", w.Code)
	}
	w := f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/reject", gin.H{"reason": "media_access"})
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	if term := decode[terminationResponse](t, w); term.Outcome != calls.OutcomeRejected || term.Record.State != calls.StateRejected {
		t.Fatalf("unexpected termination: %+v", term)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	rec := decode[calls.CallRecord](t, f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob")))

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		want   int
	}{
		{"no token", "", http.MethodGet, "/v1/calls/" + rec.ID, nil, http.StatusUnauthorized},
		{"unknown call", "alice", http.MethodGet, "/v1/calls/nope", nil, http.StatusNotFound},
		{"outsider", "carol", http.MethodGet, "/v1/calls/" + rec.ID, nil, http.StatusForbidden},
		{"outsider candidate", "carol", http.MethodPost, "/v1/calls/" + rec.ID + "/candidates", gin.H{"candidate": "c"}, http.StatusForbidden},
		{"caller accept", "alice", http.MethodPost, "/v1/calls/" + rec.ID + "/accept", gin.H{"answer": gin.H{"sdp": "x"}}, http.StatusForbidden},
		{"pair busy", "bob", http.MethodPost, "/v1/calls", createBody("alice"), http.StatusConflict},
		{"bad kind", "alice", http.MethodPost, "/v1/calls", gin.H{"receiverId": "carol", "kind": "hologram", "offer": gin.H{"sdp": "x"}}, http.StatusBadRequest},
		{"missing offer", "alice", http.MethodPost, "/v1/calls", gin.H{"receiverId": "carol", "kind": "audio"}, http.StatusBadRequest},
		{"self call", "alice", http.MethodPost, "/v1/calls", createBody("alice"), http.StatusBadRequest},
		{"unknown receiver", "alice", http.MethodPost, "/v1/calls", createBody("mallory"), http.StatusNotFound},
		{"bad limit", "alice", http.MethodGet, "/v1/history?limit=x", nil, http.StatusBadRequest},
		{"bad range", "alice", http.MethodGet, "/v1/history/summary?from=2024-01-02T00:00:00Z&to=2024-01-01T00:00:00Z", nil, http.StatusBadRequest},
		{"unknown user", "alice", http.MethodGet, "/v1/users/mallory", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		if w := f.do(t, tc.user, tc.method, tc.path, tc.body); w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, w.Code, w.Body.String())
		}
	}
}

func TestAppendCandidateAndHeartbeat(t *testing.T) {
	f := newFixture(t, nil)
	rec := decode[calls.CallRecord](t, f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob")))

	w := f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/candidates", gin.H{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host", "sdpMLineIndex": 0})
	if w.Code != http.StatusOK {
		t.Fatalf("candidate: %d %s", w.Code, w.Body.String())
	}
	if got := decode[struct {
		Count int `json:"count"`
	}](t, w); got.Count != 1 {
		t.Fatalf("expected count 1, got %d", got.Count)
	}
	stored, _ := f.store.Get(context.Background(), rec.ID)
	if stored.Candidates[0].Role != calls.RoleReceiver {
		t.Fatalf("role must come from the actor, got %s", stored.Candidates[0].Role)
	}

	if w := f.do(t, "alice", http.MethodPost, "/v1/calls/"+rec.ID+"/heartbeat", nil); w.Code != http.StatusNoContent {
		t.Fatalf("heartbeat: %d", w.Code)
	}
}

func TestEndCall_HistoryFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, brokenRepo{})
	rec := decode[calls.CallRecord](t, f.do(t, "alice", http.MethodPost, "/v1/calls", createBody("bob")))

	w := f.do(t, "bob", http.MethodPost, "/v1/calls/"+rec.ID+"/reject", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: %d %s", w.Code, w.Body.String())
	}
	if term := decode[terminationResponse](t, w); term.HistoryRecorded || term.Outcome != calls.OutcomeRejected {
		t.Fatalf("unexpected termination: %+v", term)
	}

	w = f.do(t, "alice", http.MethodGet, "/v1/calls/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("record must be kept, got %d", w.Code)
	}
	if got := decode[calls.CallRecord](t, w); got.State != calls.StateRejected {
		t.Fatalf("expected rejected record, got %s", got.State)
	}
}

func TestDevLogin(t *testing.T) {
	f := newFixture(t, nil)
	w := f.do(t, "", http.MethodPost, "/v1/auth/login", gin.H{"user_id": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	if w := f.do(t, "", http.MethodPost, "/v1/auth/login", gin.H{"user_id": "mallory"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown user must be refused, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{calls.ErrNotFound, http.StatusNotFound},
		{calls.WriteError("accept", "c1", calls.ErrNotParticipant), http.StatusForbidden},
		{calls.ErrPairBusy, http.StatusConflict},
		{history.ErrNotTerminal, http.StatusConflict},
		{reporting.ErrInvalidRequest, http.StatusBadRequest},
		{&calls.HistoryWriteFailure{CallID: "c1", Err: errors.New("x")}, http.StatusInternalServerError},
		{calls.WriteError("create", "c1", errors.New("redis down")), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
