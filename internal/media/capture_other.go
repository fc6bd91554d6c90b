//go:build !linux

package media

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4"
)

// platform has no native capture outside linux; browser participants capture
// through getUserMedia and only signaling runs here.
type platform struct{}

func newPlatform() (*platform, error) { return &platform{}, nil }

func (p *platform) registerCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

var errCaptureUnsupported = errors.New("native capture is not supported on this platform")

func (p *platform) capture(c Constraints, log *slog.Logger) (LocalMedia, error) {
	return nil, errCaptureUnsupported
}
