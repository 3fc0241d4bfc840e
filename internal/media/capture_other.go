//go:build !linux || !cgo

package media

import (
	"context"
	"log"

	"github.com/pion/webrtc/v4"
)

// captureBundle returns an empty (receive-only) bundle on platforms without
// native capture drivers. Camera/mic capture via pion/mediadevices needs
// platform-specific drivers (V4L2/malgo on Linux); elsewhere the call can
// still receive remote media.
func captureBundle(_ context.Context, _ Config, _ bool) (*Bundle, error) {
	log.Printf("MEDIA: no native capture on this platform, receive-only")
	return &Bundle{
		setup: func(me *webrtc.MediaEngine) error {
			return me.RegisterDefaultCodecs()
		},
	}, nil
}

// captureVideoTrack is unavailable without native capture drivers.
func captureVideoTrack(_ context.Context, _ Config, _ string) (LocalTrack, error) {
	return nil, ErrDeviceUnavailable
}
