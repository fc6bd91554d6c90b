package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsignal/internal/calls"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures peer connections built by PionCapability.
type PionConfig struct {
	ICEServers []string

	// ICE timeouts; zero values use the defaults below.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

const (
	defaultDisconnectedTimeout = 30 * time.Second
	defaultFailedTimeout       = 120 * time.Second
	defaultKeepAliveInterval   = 2 * time.Second
)

var defaultICEServers = []string{"stun:stun.l.google.com:19302"}

func (c PionConfig) withDefaults() PionConfig {
	out := c
	if len(out.ICEServers) == 0 {
		out.ICEServers = defaultICEServers
	}
	if out.DisconnectedTimeout <= 0 {
		out.DisconnectedTimeout = defaultDisconnectedTimeout
	}
	if out.FailedTimeout <= 0 {
		out.FailedTimeout = defaultFailedTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = defaultKeepAliveInterval
	}
	return out
}

// PionCapability captures through the platform driver and builds pion peers.
type PionCapability struct {
	cfg  PionConfig
	plat *platform
	log  *slog.Logger
}

func NewPionCapability(cfg PionConfig, log *slog.Logger) (*PionCapability, error) {
	if log == nil {
		log = slog.Default()
	}
	plat, err := newPlatform()
	if err != nil {
		return nil, fmt.Errorf("media: init platform: %w", err)
	}
	return &PionCapability{cfg: cfg.withDefaults(), plat: plat, log: log}, nil
}

func (p *PionCapability) Acquire(ctx context.Context, c Constraints) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, err := p.plat.capture(c, p.log)
	if err != nil {
		return nil, &calls.MediaAccessError{Kind: c.Kind, Err: err}
	}
	// capture is not cancellable; release what it opened if we were aborted meanwhile.
	if err := ctx.Err(); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (p *PionCapability) NewPeer(ctx context.Context, kind calls.Kind) (Peer, error) {
	me := &webrtc.MediaEngine{}
	if err := p.plat.registerCodecs(me); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(p.cfg.DisconnectedTimeout, p.cfg.FailedTimeout, p.cfg.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: p.cfg.ICEServers}},
	})
	if err != nil {
		return nil, err
	}

	peer := &pionPeer{pc: pc, kind: kind, senders: map[TrackKind]*senderSlot{}, log: p.log}
	pc.OnTrack(peer.drainRemote)
	return peer, nil
}

type senderSlot struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

type pionPeer struct {
	pc   *webrtc.PeerConnection
	kind calls.Kind
	log  *slog.Logger

	mu      sync.Mutex
	senders map[TrackKind]*senderSlot
}

func trackKindOf(t webrtc.RTPCodecType) TrackKind {
	if t == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

func (p *pionPeer) AddLocalMedia(m LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range m.Tracks() {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("media: add track: %w", err)
		}
		p.senders[trackKindOf(t.Kind())] = &senderSlot{sender: sender, track: t}
		go drainRTCP(sender)
	}
	return nil
}

// ensureTransceivers adds recvonly m-lines for kinds the call negotiates but
// for which no local track is sent.
func (p *pionPeer) ensureTransceivers() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if p.kind == calls.KindVideo {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	for _, k := range want {
		if _, ok := p.senders[trackKindOf(k)]; ok {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("media: add %s transceiver: %w", k, err)
		}
	}
	return nil
}

func (p *pionPeer) CreateOffer(ctx context.Context) (calls.Offer, error) {
	if err := p.ensureTransceivers(); err != nil {
		return calls.Offer{}, err
	}
	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return calls.Offer{}, err
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return calls.Offer{}, err
	}
	return calls.NewOffer(sd.SDP), ctx.Err()
}

func (p *pionPeer) AcceptOffer(ctx context.Context, offer calls.Offer) (calls.Answer, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return calls.Answer{}, fmt.Errorf("media: set remote offer: %w", err)
	}
	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return calls.Answer{}, err
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return calls.Answer{}, err
	}
	return calls.NewAnswer(sd.SDP), ctx.Err()
}

func (p *pionPeer) SetAnswer(answer calls.Answer) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

func (p *pionPeer) AddCandidate(c calls.Candidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) OnCandidate(fn func(calls.Candidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// gathering complete
			return
		}
		init := c.ToJSON()
		fn(calls.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

var ErrNoTrack = errors.New("media: no local track of that kind")

func (p *pionPeer) SetTrackEnabled(kind TrackKind, enabled bool) error {
	p.mu.Lock()
	slot, ok := p.senders[kind]
	p.mu.Unlock()
	if !ok {
		return ErrNoTrack
	}
	if enabled {
		return slot.sender.ReplaceTrack(slot.track)
	}
	return slot.sender.ReplaceTrack(nil)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// drainRemote reads inbound RTP so interceptors keep producing RTCP. Native
// participants have no renderer; playback is a browser concern.
func (p *pionPeer) drainRemote(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.log.Debug("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := p.pc.WriteRTCP(keyframeRequest(track.SSRC())); err != nil {
			p.log.Debug("keyframe request", "err", err)
		}
	}
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// keyframeRequest asks the remote encoder for a fresh keyframe so decoding can
// start without waiting for the next periodic one.
func keyframeRequest(ssrc webrtc.SSRC) []rtcp.Packet {
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
