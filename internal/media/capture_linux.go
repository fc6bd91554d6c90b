//go:build linux

package media

import (
	"errors"
	"log/slog"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const (
	videoBitRate = 1_500_000

	// voice capture profile: mono at the Opus native rate with a short buffer.
	voiceSampleRate = 48_000
	voiceChannels   = 1
	voiceLatency    = 20 * time.Millisecond
)

// platform captures through V4L2 and malgo and encodes VP8 + Opus.
type platform struct {
	selector *mediadevices.CodecSelector
}

func newPlatform() (*platform, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &platform{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (p *platform) registerCodecs(me *webrtc.MediaEngine) error {
	p.selector.Populate(me)
	return nil
}

var errNoDevices = errors.New("no capture devices found")

func (p *platform) capture(c Constraints, log *slog.Logger) (LocalMedia, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, errNoDevices
	}
	for _, d := range devices {
		log.Debug("media device", "kind", d.Kind, "label", d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: p.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// raw formats only; some cameras expose broken MJPEG nodes.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = audioConstraints(c)
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}
	tracks := stream.GetTracks()
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn("local track ended", "err", err)
			}
		})
	}
	return &deviceMedia{tracks: tracks}, nil
}

// audioConstraints maps the voice processing hints onto what the microphone
// driver can be asked for. The driver has no echo canceller, noise suppressor
// or gain control of its own, so the hints select the voice capture profile
// and the DSP itself is left to the host audio server.
func audioConstraints(c Constraints) mediadevices.MediaOption {
	voice := c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl
	return func(mc *mediadevices.MediaTrackConstraints) {
		if !voice {
			return
		}
		mc.ChannelCount = prop.Int(voiceChannels)
		mc.SampleRate = prop.Int(voiceSampleRate)
		mc.Latency = prop.Duration(voiceLatency)
	}
}

type deviceMedia struct {
	tracks []mediadevices.Track
}

func (m *deviceMedia) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t)
	}
	return out
}

func (m *deviceMedia) Close() error {
	var errs []error
	for _, t := range m.tracks {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
