// Package session runs the participant side of calls: local media, the peer
// connection, and the call record lifecycle for one signed-in user.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsignal/internal/calls"
	"callsignal/internal/lifecycle"
	"callsignal/internal/media"
	"callsignal/internal/signaling"
	"callsignal/internal/store"
	"callsignal/pkg/logger"
)

// Coordinator is the store-side half of the call lifecycle.
// *lifecycle.Service implements it.
type Coordinator interface {
	Create(ctx context.Context, callerID, receiverID string, kind calls.Kind, offer calls.Offer) (calls.CallRecord, error)
	Get(ctx context.Context, callID, actorID string) (calls.CallRecord, error)
	Accept(ctx context.Context, callID, receiverID string, answer calls.Answer) (calls.CallRecord, error)
	Reject(ctx context.Context, callID, receiverID string) (lifecycle.Termination, error)
	RejectForMedia(ctx context.Context, callID, receiverID string) (lifecycle.Termination, error)
	End(ctx context.Context, callID, actorID string, cause calls.Cause) (lifecycle.Termination, error)
	AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error)
	Heartbeat(ctx context.Context, callID, actorID string) error
	PendingBetween(ctx context.Context, callerID, receiverID string) (calls.CallRecord, error)
	Watch(ctx context.Context, callID string) (<-chan store.Snapshot, error)
	WatchIncoming(ctx context.Context, userID string) (<-chan calls.CallRecord, error)
}

type Config struct {
	UserID string
	Calls  Coordinator
	Media  media.Capability

	// RingTimeout ends an unanswered outgoing call as missed. Zero disables.
	RingTimeout time.Duration
	// HeartbeatInterval renews the record lease while a call is live. Zero disables.
	HeartbeatInterval time.Duration

	// OnEvent receives progress notifications. It must not block.
	OnEvent func(Event)
	Logger  *slog.Logger
}

type EventType string

const (
	EventRinging   EventType = "ringing"
	EventAccepted  EventType = "accepted"
	EventConnected EventType = "connected"
	EventEnded     EventType = "ended"
)

type Event struct {
	Type   EventType
	CallID string
	// State is the record state behind an ended event, empty if the record vanished.
	State calls.State
	Err   error
}

// Manager holds at most one call for its user.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	active  *activeCall
	pending context.CancelFunc // in-flight Initiate or Accept
}

type activeCall struct {
	id   string
	role calls.Role
	kind calls.Kind
	log  *slog.Logger

	local media.LocalMedia
	peer  media.Peer
	relay *signaling.Relay

	ctx          context.Context // lives until teardown
	stop         context.CancelFunc
	accepted     chan struct{}
	acceptedOnce sync.Once
	teardownOnce sync.Once

	mu       sync.Mutex
	muted    bool
	videoOff bool
}

func (c *activeCall) markAccepted() {
	c.acceptedOnce.Do(func() { close(c.accepted) })
}

func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, log: log.With("user_id", cfg.UserID)}
}

// ActiveCall returns the id of the current call, if any.
func (m *Manager) ActiveCall() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return "", false
	}
	return m.active.id, true
}

// Incoming streams ringing calls addressed to this user until ctx is done.
func (m *Manager) Incoming(ctx context.Context) (<-chan calls.CallRecord, error) {
	return m.cfg.Calls.WatchIncoming(ctx, m.cfg.UserID)
}

// begin reserves the manager for one Initiate or Accept.
func (m *Manager) begin(ctx context.Context) (context.Context, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil || m.pending != nil {
		return nil, nil, calls.ErrBusy
	}
	opCtx, cancel := context.WithCancel(ctx)
	m.pending = cancel
	release := func() {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
		cancel()
	}
	return opCtx, release, nil
}

// Initiate places a call to target. When target is already ringing this user,
// the two calls are merged: the existing call is accepted instead.
func (m *Manager) Initiate(ctx context.Context, target string, kind calls.Kind) (string, error) {
	if target == "" || target == m.cfg.UserID {
		return "", fmt.Errorf("%w: cannot call %q", calls.ErrInvalidRecord, target)
	}
	if !kind.Valid() {
		return "", fmt.Errorf("%w: unknown kind %q", calls.ErrInvalidRecord, kind)
	}

	if crossed, err := m.cfg.Calls.PendingBetween(ctx, target, m.cfg.UserID); err == nil {
		m.log.Info("crossed call, accepting the ringing one", "call_id", crossed.ID, "target", target)
		return crossed.ID, m.Accept(ctx, crossed.ID)
	}

	opCtx, release, err := m.begin(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	local, err := m.cfg.Media.Acquire(opCtx, media.ConstraintsFor(kind))
	if err != nil {
		if opCtx.Err() != nil {
			return "", calls.ErrAborted
		}
		return "", err
	}

	call := &activeCall{role: calls.RoleCaller, kind: kind, local: local, accepted: make(chan struct{})}
	if err := m.preparePeer(opCtx, call); err != nil {
		m.release(call)
		return "", err
	}
	offer, err := call.peer.CreateOffer(opCtx)
	if err != nil {
		m.release(call)
		if opCtx.Err() != nil {
			return "", calls.ErrAborted
		}
		return "", fmt.Errorf("session: create offer: %w", err)
	}
	if opCtx.Err() != nil {
		m.release(call)
		return "", calls.ErrAborted
	}

	rec, err := m.cfg.Calls.Create(opCtx, m.cfg.UserID, target, kind, offer)
	if err != nil {
		m.release(call)
		if opCtx.Err() != nil {
			return "", calls.ErrAborted
		}
		return "", err
	}
	call.id = rec.ID
	call.log = logger.ForCall(m.log, rec.ID, string(calls.RoleCaller))

	// The record exists. An abort that landed meanwhile ends it as missed.
	if !m.activate(ctx, opCtx, call) {
		m.release(call)
		_ = m.finish(context.WithoutCancel(ctx), call, calls.CauseAborted)
		return "", calls.ErrAborted
	}

	if err := m.run(call, false); err != nil {
		return "", err
	}
	if m.cfg.RingTimeout > 0 {
		go m.ringTimer(call)
	}
	call.log.Info("call ringing", "receiver_id", target, "kind", kind)
	m.emit(Event{Type: EventRinging, CallID: rec.ID})
	return rec.ID, nil
}

// Accept answers a ringing call addressed to this user. If local media cannot
// be captured the call is rejected and the MediaAccessError returned.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	opCtx, release, err := m.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	rec, err := m.cfg.Calls.Get(opCtx, callID, m.cfg.UserID)
	if err != nil {
		return err
	}
	if rec.ReceiverID != m.cfg.UserID {
		return calls.ErrNotParticipant
	}
	if rec.State != calls.StateRinging {
		return calls.ErrInvalidTransition
	}
	log := logger.ForCall(m.log, callID, string(calls.RoleReceiver))

	local, err := m.cfg.Media.Acquire(opCtx, media.ConstraintsFor(rec.Kind))
	if err != nil {
		if opCtx.Err() != nil {
			return calls.ErrAborted
		}
		log.Warn("media unavailable, rejecting call", "err", err)
		if _, rerr := m.cfg.Calls.RejectForMedia(context.WithoutCancel(ctx), callID, m.cfg.UserID); rerr != nil && !lifecycle.IsSettled(rerr) {
			log.Error("auto-reject failed", "err", rerr)
		}
		return err
	}

	call := &activeCall{id: callID, role: calls.RoleReceiver, kind: rec.Kind, log: log, local: local, accepted: make(chan struct{})}
	if err := m.preparePeer(opCtx, call); err != nil {
		m.release(call)
		return err
	}
	answer, err := call.peer.AcceptOffer(opCtx, rec.Offer)
	if err != nil {
		m.release(call)
		if opCtx.Err() != nil {
			return calls.ErrAborted
		}
		return fmt.Errorf("session: answer offer: %w", err)
	}
	if _, err := m.cfg.Calls.Accept(opCtx, callID, m.cfg.UserID, answer); err != nil {
		m.release(call)
		return err
	}
	call.markAccepted()

	if !m.activate(ctx, opCtx, call) {
		m.release(call)
		_ = m.finish(context.WithoutCancel(ctx), call, calls.CauseAborted)
		return calls.ErrAborted
	}
	if err := m.run(call, true); err != nil {
		return err
	}
	log.Info("call accepted", "caller_id", rec.CallerID, "kind", rec.Kind)
	m.emit(Event{Type: EventAccepted, CallID: callID})
	return nil
}

// Reject declines a ringing call. Local media is never touched.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	_, err := m.cfg.Calls.Reject(ctx, callID, m.cfg.UserID)
	if err != nil {
		return err
	}
	m.log.Info("call rejected", "call_id", callID)
	return nil
}

// End terminates callID. Ending a call that is already over is a no-op.
func (m *Manager) End(ctx context.Context, callID string) error {
	m.mu.Lock()
	call := m.active
	m.mu.Unlock()

	if call != nil && call.id == callID {
		return m.end(ctx, call, calls.CauseHangup)
	}
	_, err := m.cfg.Calls.End(ctx, callID, m.cfg.UserID, calls.CauseHangup)
	if lifecycle.IsSettled(err) {
		return nil
	}
	return err
}

// Hangup ends the active call or aborts an Initiate/Accept in flight.
func (m *Manager) Hangup(ctx context.Context) error {
	m.mu.Lock()
	call, pending := m.active, m.pending
	m.mu.Unlock()

	switch {
	case call != nil:
		return m.end(ctx, call, calls.CauseHangup)
	case pending != nil:
		m.log.Info("aborting call setup")
		pending()
	}
	return nil
}

// ToggleMute flips the local audio track and returns whether audio is now muted.
// Without an active call it does nothing.
func (m *Manager) ToggleMute() bool {
	call := m.current()
	if call == nil {
		return false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if err := call.peer.SetTrackEnabled(media.TrackAudio, call.muted); err != nil {
		call.log.Debug("toggle mute ignored", "err", err)
		return call.muted
	}
	call.muted = !call.muted
	call.log.Info("audio toggled", "muted", call.muted)
	return call.muted
}

// ToggleVideo flips the local video track and returns whether video is now off.
// Audio calls and idle managers are unaffected.
func (m *Manager) ToggleVideo() bool {
	call := m.current()
	if call == nil {
		return false
	}
	call.mu.Lock()
	defer call.mu.Unlock()
	if err := call.peer.SetTrackEnabled(media.TrackVideo, call.videoOff); err != nil {
		call.log.Debug("toggle video ignored", "err", err)
		return call.videoOff
	}
	call.videoOff = !call.videoOff
	call.log.Info("video toggled", "video_off", call.videoOff)
	return call.videoOff
}

// Close ends any active call and aborts pending setup.
func (m *Manager) Close(ctx context.Context) error {
	return m.Hangup(ctx)
}

func (m *Manager) current() *activeCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) preparePeer(ctx context.Context, call *activeCall) error {
	peer, err := m.cfg.Media.NewPeer(ctx, call.kind)
	if err != nil {
		return fmt.Errorf("session: new peer: %w", err)
	}
	call.peer = peer
	if err := peer.AddLocalMedia(call.local); err != nil {
		return err
	}
	// the relay registers for candidates before any description is set so
	// none are lost; they are held until the call id exists.
	call.relay = signaling.New(signaling.Config{
		UserID:     m.cfg.UserID,
		Role:       call.role,
		Peer:       peer,
		Writer:     m.cfg.Calls,
		Watcher:    m.cfg.Calls,
		OnAccepted: func(rec calls.CallRecord) { m.onAccepted(call) },
		OnTerminal: func(snap store.Snapshot) { m.onRemoteTerminal(call, snap) },
		OnError:    func(err error) { go m.onFailure(call, err) },
		Logger:     m.log,
	})
	return nil
}

// activate installs call as the active call unless setup was aborted. The
// call's own context outlives the request that created it.
func (m *Manager) activate(parent, opCtx context.Context, call *activeCall) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opCtx.Err() != nil {
		return false
	}
	call.ctx, call.stop = context.WithCancel(context.WithoutCancel(parent))
	m.active = call
	return true
}

// run starts signaling and the background loops of an activated call.
func (m *Manager) run(call *activeCall, remoteSet bool) error {
	call.peer.OnConnectionStateChange(func(s media.ConnectionState) { m.onState(call, s) })
	if err := call.relay.Start(call.ctx, call.id, remoteSet); err != nil {
		if errors.Is(err, signaling.ErrClosed) {
			// hung up between activation and start
			return calls.ErrAborted
		}
		call.log.Error("relay start failed", "err", err)
		_ = m.end(context.WithoutCancel(call.ctx), call, calls.CauseConnectivity)
		return calls.WriteError("watch", call.id, err)
	}
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeat(call)
	}
	return nil
}

func (m *Manager) onAccepted(call *activeCall) {
	call.markAccepted()
	call.log.Info("answer applied")
	m.emit(Event{Type: EventAccepted, CallID: call.id})
}

func (m *Manager) onState(call *activeCall, s media.ConnectionState) {
	switch s {
	case media.StateConnected:
		call.log.Info("peer connected")
		m.emit(Event{Type: EventConnected, CallID: call.id})
	case media.StateDisconnected:
		// ICE may still recover; the failed state decides.
		call.log.Warn("peer disconnected")
	case media.StateFailed:
		go m.onFailure(call, &calls.ConnectivityFailure{CallID: call.id, State: string(s)})
	}
}

func (m *Manager) onFailure(call *activeCall, err error) {
	call.log.Error("call failed", "err", err)
	if endErr := m.end(context.Background(), call, calls.CauseConnectivity); endErr != nil {
		call.log.Error("end after failure", "err", endErr)
	}
}

// onRemoteTerminal tears down locally; the participant that moved the record
// to its terminal state writes history.
func (m *Manager) onRemoteTerminal(call *activeCall, snap store.Snapshot) {
	state := calls.State("")
	if !snap.Gone() {
		state = snap.Record.State
	}
	if m.teardown(call) {
		call.log.Info("call ended remotely", "state", state)
		m.emit(Event{Type: EventEnded, CallID: call.id, State: state})
	}
}

func (m *Manager) end(ctx context.Context, call *activeCall, cause calls.Cause) error {
	if !m.teardown(call) {
		return nil
	}
	return m.finish(ctx, call, cause)
}

// finish persists the terminal state for a call already torn down locally.
func (m *Manager) finish(ctx context.Context, call *activeCall, cause calls.Cause) error {
	term, err := m.cfg.Calls.End(ctx, call.id, m.cfg.UserID, cause)
	switch {
	case err == nil:
		call.log.Info("call ended", "cause", cause, "outcome", term.Conclusion.Outcome)
		m.emit(Event{Type: EventEnded, CallID: call.id, State: term.Record.State})
		return nil
	case lifecycle.IsSettled(err):
		m.emit(Event{Type: EventEnded, CallID: call.id})
		return nil
	default:
		var hwf *calls.HistoryWriteFailure
		if errors.As(err, &hwf) {
			call.log.Error("call ended but history write failed; record kept", "err", err)
		}
		m.emit(Event{Type: EventEnded, CallID: call.id, State: term.Record.State, Err: err})
		return err
	}
}

// teardown releases local resources once and reports whether this call did it.
func (m *Manager) teardown(call *activeCall) bool {
	did := false
	call.teardownOnce.Do(func() {
		did = true
		if call.stop != nil {
			call.stop()
		}
		m.release(call)
		m.mu.Lock()
		if m.active == call {
			m.active = nil
		}
		m.mu.Unlock()
	})
	return did
}

// release frees media, peer and relay of a call that may be partly built.
func (m *Manager) release(call *activeCall) {
	if call.relay != nil {
		call.relay.Close()
	}
	if call.peer != nil {
		if err := call.peer.Close(); err != nil {
			m.log.Debug("peer close", "err", err)
		}
	}
	if call.local != nil {
		if err := call.local.Close(); err != nil {
			m.log.Debug("media close", "err", err)
		}
	}
}

func (m *Manager) ringTimer(call *activeCall) {
	t := time.NewTimer(m.cfg.RingTimeout)
	defer t.Stop()
	select {
	case <-call.ctx.Done():
	case <-call.accepted:
	case <-t.C:
		call.log.Info("ring timeout")
		if err := m.end(context.Background(), call, calls.CauseRingTimeout); err != nil {
			call.log.Error("end after ring timeout", "err", err)
		}
	}
}

func (m *Manager) heartbeat(call *activeCall) {
	ctx := call.ctx
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := m.cfg.Calls.Heartbeat(ctx, call.id, m.cfg.UserID); err != nil && ctx.Err() == nil {
				call.log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

func (m *Manager) emit(e Event) {
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(e)
	}
}
