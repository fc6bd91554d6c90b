// Package mediatest provides in-memory media.Capability and media.Peer fakes.
package mediatest

import (
	"context"
	"errors"
	"sync"

	"callsignal/internal/calls"
	"callsignal/internal/media"

	"github.com/pion/webrtc/v4"
)

// Capability hands out fake media and peers and records what it handed out.
type Capability struct {
	mu sync.Mutex

	// AcquireErr, when set, is returned wrapped in a MediaAccessError.
	AcquireErr error
	// AcquireHook runs inside Acquire before it returns; tests use it to
	// interleave an abort with capture.
	AcquireHook func(ctx context.Context)

	acquired []*Media
	peers    []*Peer
}

func NewCapability() *Capability { return &Capability{} }

func (c *Capability) Acquire(ctx context.Context, cons media.Constraints) (media.LocalMedia, error) {
	c.mu.Lock()
	hook, failWith := c.AcquireHook, c.AcquireErr
	c.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if failWith != nil {
		return nil, &calls.MediaAccessError{Kind: cons.Kind, Err: failWith}
	}
	m := &Media{Constraints: cons}
	c.mu.Lock()
	c.acquired = append(c.acquired, m)
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (c *Capability) NewPeer(ctx context.Context, kind calls.Kind) (media.Peer, error) {
	p := &Peer{Kind: kind, enabled: map[media.TrackKind]bool{}}
	c.mu.Lock()
	c.peers = append(c.peers, p)
	c.mu.Unlock()
	return p, nil
}

// Acquired returns every Media handed out so far.
func (c *Capability) Acquired() []*Media {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Media(nil), c.acquired...)
}

// Peers returns every Peer built so far.
func (c *Capability) Peers() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Peer(nil), c.peers...)
}

// Media is fake captured media without real tracks.
type Media struct {
	Constraints media.Constraints

	mu     sync.Mutex
	closed bool
}

func (m *Media) Tracks() []webrtc.TrackLocal { return nil }

func (m *Media) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Media) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

var ErrClosed = errors.New("mediatest: peer closed")

// Peer records descriptions and candidates applied to it and lets tests emit
// local candidates and connection state changes.
type Peer struct {
	Kind calls.Kind

	mu           sync.Mutex
	local        media.LocalMedia
	offer        *calls.Offer
	answer       *calls.Answer
	remoteOffer  *calls.Offer
	remoteAnswer *calls.Answer
	candidates   []calls.Candidate
	enabled      map[media.TrackKind]bool
	onCandidate  func(calls.Candidate)
	onState      func(media.ConnectionState)
	closed       bool
}

func (p *Peer) AddLocalMedia(m media.LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = m
	if p.enabled == nil {
		p.enabled = map[media.TrackKind]bool{}
	}
	p.enabled[media.TrackAudio] = true
	if p.Kind == calls.KindVideo {
		p.enabled[media.TrackVideo] = true
	}
	return nil
}

func (p *Peer) CreateOffer(ctx context.Context) (calls.Offer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return calls.Offer{}, ErrClosed
	}
	o := calls.NewOffer("v=0 fake-offer " + string(p.Kind))
	p.offer = &o
	return o, ctx.Err()
}

func (p *Peer) AcceptOffer(ctx context.Context, offer calls.Offer) (calls.Answer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return calls.Answer{}, ErrClosed
	}
	p.remoteOffer = &offer
	a := calls.NewAnswer("v=0 fake-answer " + string(p.Kind))
	p.answer = &a
	return a, ctx.Err()
}

func (p *Peer) SetAnswer(answer calls.Answer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.remoteAnswer = &answer
	return nil
}

func (p *Peer) AddCandidate(c calls.Candidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *Peer) OnCandidate(fn func(calls.Candidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn func(media.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *Peer) SetTrackEnabled(kind media.TrackKind, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.enabled[kind]; !ok {
		return media.ErrNoTrack
	}
	p.enabled[kind] = enabled
	return nil
}

func (p *Peer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// EmitCandidate simulates local ICE gathering producing c.
func (p *Peer) EmitCandidate(c calls.Candidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// SetState simulates a connection state change.
func (p *Peer) SetState(s media.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// RemoteAnswer returns the answer applied via SetAnswer, if any.
func (p *Peer) RemoteAnswer() *calls.Answer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteAnswer
}

func (p *Peer) RemoteOffer() *calls.Offer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteOffer
}

// RemoteCandidates returns candidates applied via AddCandidate, in order.
func (p *Peer) RemoteCandidates() []calls.Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]calls.Candidate(nil), p.candidates...)
}

func (p *Peer) TrackEnabled(kind media.TrackKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled[kind]
}
