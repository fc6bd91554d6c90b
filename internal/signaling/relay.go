// Package signaling moves session descriptions and ICE candidates between a
// local peer and the shared call record.
package signaling

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"callsignal/internal/calls"
	"callsignal/internal/media"
	"callsignal/internal/store"
)

// Writer appends local candidates to the call record.
type Writer interface {
	AppendCandidate(ctx context.Context, callID, actorID string, c calls.Candidate) (int, error)
}

// Watcher subscribes to call record snapshots.
type Watcher interface {
	Watch(ctx context.Context, callID string) (<-chan store.Snapshot, error)
}

type Config struct {
	UserID string
	Role   calls.Role
	Peer   media.Peer

	Writer  Writer
	Watcher Watcher

	// OnAccepted runs once on the caller side after the answer is applied.
	OnAccepted func(calls.CallRecord)
	// OnTerminal runs once when the record turns terminal or disappears.
	OnTerminal func(store.Snapshot)
	// OnError reports failures that leave the peer unusable, such as an
	// answer the peer refused.
	OnError func(error)

	Logger *slog.Logger
}

// Relay is the signaling side of one participant in one call.
//
// Outbound, local candidates are queued and appended by a single goroutine in
// the order the peer produced them. Candidates gathered before Start are held
// until the call id is known.
//
// Inbound, each snapshot advances a cursor over the record's candidate list
// and applies only the counterparty's candidates. While the remote description
// is unset the cursor stays put, so early candidates are applied later.
type Relay struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	callID    string
	started   bool
	closed    bool
	queue     []calls.Candidate
	wake      chan struct{}
	cursor    int
	remoteSet bool
	answered  bool

	cancel       context.CancelFunc
	terminalOnce sync.Once
	doneOnce     sync.Once
	done         chan struct{}
}

var ErrClosed = errors.New("signaling: relay closed")

func New(cfg Config) *Relay {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{
		cfg:  cfg,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	if cfg.Peer != nil {
		cfg.Peer.OnCandidate(r.enqueue)
	}
	return r
}

func (r *Relay) enqueue(c calls.Candidate) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, c)
	started := r.started
	r.mu.Unlock()

	if started {
		r.signal()
	}
}

func (r *Relay) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start binds the relay to callID and begins both directions. remoteSet is
// true when the remote description is already applied (the receiver, after
// AcceptOffer).
func (r *Relay) Start(ctx context.Context, callID string, remoteSet bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return errors.New("signaling: relay already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.callID = callID
	r.remoteSet = remoteSet
	r.cancel = cancel
	r.mu.Unlock()

	snaps, err := r.cfg.Watcher.Watch(ctx, callID)
	if err != nil {
		cancel()
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return ErrClosed
	}
	r.started = true
	r.log = r.log.With("call_id", callID, "role", r.cfg.Role)
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); r.drain(ctx) }()
	go func() { defer wg.Done(); r.inbound(ctx, snaps) }()
	go func() { wg.Wait(); r.finish() }()

	r.signal()
	return nil
}

// Close stops both directions. It does not wait and is safe to call from the
// OnTerminal and OnError callbacks.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !started {
		r.finish()
	}
}

func (r *Relay) finish() {
	r.doneOnce.Do(func() { close(r.done) })
}

// Done is closed once both relay goroutines have exited.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Cursor is the index of the next unapplied candidate in the record.
func (r *Relay) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		}

		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			c := r.queue[0]
			r.queue = r.queue[1:]
			callID := r.callID
			r.mu.Unlock()

			if _, err := r.cfg.Writer.AppendCandidate(ctx, callID, r.cfg.UserID, c); err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, calls.ErrInvalidTransition) || errors.Is(err, calls.ErrNotFound) {
					// the call is over; nothing further will be read.
					r.log.Debug("dropping candidate for finished call")
					return
				}
				r.log.Warn("candidate append failed", "err", err)
			}
		}
	}
}

func (r *Relay) inbound(ctx context.Context, snaps <-chan store.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			if stop := r.apply(snap); stop {
				return
			}
		}
	}
}

// apply handles one snapshot and reports whether the call is over.
func (r *Relay) apply(snap store.Snapshot) bool {
	if snap.Gone() {
		r.terminal(snap)
		return true
	}
	rec := *snap.Record

	if r.cfg.Role == calls.RoleCaller && rec.Answer != nil && r.takeAnswer() {
		if err := r.cfg.Peer.SetAnswer(*rec.Answer); err != nil {
			r.log.Error("apply answer failed", "err", err)
			if r.cfg.OnError != nil {
				r.cfg.OnError(err)
			}
			return true
		}
		r.mu.Lock()
		r.remoteSet = true
		r.mu.Unlock()
		if r.cfg.OnAccepted != nil {
			r.cfg.OnAccepted(rec)
		}
	}

	r.applyCandidates(rec.Candidates)

	if rec.State.Terminal() {
		r.terminal(snap)
		return true
	}
	return false
}

// takeAnswer reports true exactly once per relay.
func (r *Relay) takeAnswer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.answered {
		return false
	}
	r.answered = true
	return true
}

func (r *Relay) applyCandidates(list []calls.Candidate) {
	r.mu.Lock()
	if !r.remoteSet {
		r.mu.Unlock()
		return
	}
	from := r.cursor
	if len(list) < from {
		r.mu.Unlock()
		r.log.Warn("candidate list shrank; ignoring", "cursor", from, "len", len(list))
		return
	}
	r.cursor = len(list)
	r.mu.Unlock()

	remote := r.cfg.Role.Opposite()
	for _, c := range list[from:] {
		if c.Role != remote {
			continue
		}
		if err := r.cfg.Peer.AddCandidate(c); err != nil {
			r.log.Warn("add remote candidate failed", "err", err)
		}
	}
}

func (r *Relay) terminal(snap store.Snapshot) {
	r.terminalOnce.Do(func() {
		if r.cfg.OnTerminal != nil {
			r.cfg.OnTerminal(snap)
		}
	})
}
