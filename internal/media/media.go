// Package media owns local capture and the WebRTC peer connection of one
// participant. Session code depends on the Capability and Peer interfaces;
// the pion implementation lives alongside and mediatest provides fakes.
package media

import (
	"context"

	"callsignal/internal/calls"

	"github.com/pion/webrtc/v4"
)

// Constraints describe what local capture a call needs.
type Constraints struct {
	Kind  calls.Kind
	Audio bool
	Video bool

	// Audio processing hints. Browser participants pass them to getUserMedia;
	// native capture turns them into the voice capture profile.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// ConstraintsFor maps a call kind to capture constraints: video calls capture
// camera and microphone, audio calls the microphone only with voice processing.
func ConstraintsFor(kind calls.Kind) Constraints {
	if kind == calls.KindVideo {
		return Constraints{Kind: kind, Audio: true, Video: true}
	}
	return Constraints{
		Kind:             calls.KindAudio,
		Audio:            true,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// LocalMedia is a set of captured local tracks. Close stops capture.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Peer is one side of a WebRTC peer connection.
//
// Handlers registered with OnCandidate and OnConnectionStateChange may be
// invoked from the peer's own goroutines.
type Peer interface {
	AddLocalMedia(m LocalMedia) error

	// CreateOffer creates the caller's offer and sets it as local description.
	CreateOffer(ctx context.Context) (calls.Offer, error)
	// AcceptOffer sets the remote offer, then creates and sets the local answer.
	AcceptOffer(ctx context.Context, offer calls.Offer) (calls.Answer, error)
	// SetAnswer applies the receiver's answer on the caller side.
	SetAnswer(answer calls.Answer) error

	AddCandidate(c calls.Candidate) error
	OnCandidate(fn func(calls.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))

	// SetTrackEnabled starts or stops sending the local track of kind.
	SetTrackEnabled(kind TrackKind, enabled bool) error

	Close() error
}

// Capability acquires local media and builds peers.
type Capability interface {
	// Acquire captures local media. Failures are *calls.MediaAccessError.
	Acquire(ctx context.Context, c Constraints) (LocalMedia, error)
	// NewPeer builds a peer connection negotiating media for kind.
	NewPeer(ctx context.Context, kind calls.Kind) (Peer, error)
}
