//go:build linux && cgo

package media

import (
	"context"
	"log"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newSelector builds the VP8+Opus codec selector shared by every capture in
// a session. Bit rate is halved under the constrained profile.
func newSelector(cfg Config) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000
	if cfg.Constrained {
		vpxParams.BitRate = 750_000
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// videoConstraints excludes MJPEG: some cameras expose an MJPEG V4L2 node
// that produces malformed frames and poisons the VP8 encoder. Resolution is
// capped so encoding latency stays low; the constrained profile halves it.
func videoConstraints(cfg Config) mediadevices.MediaOption {
	maxW, maxH := 640, 480
	if cfg.Constrained {
		maxW, maxH = 320, 240
	}
	return func(c *mediadevices.MediaTrackConstraints) {
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: maxW}
		c.Height = prop.IntRanged{Max: maxH}
		if cfg.PreferredCam != "" {
			c.DeviceID = prop.StringExact(cfg.PreferredCam)
		}
	}
}

func audioConstraints(cfg Config) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if cfg.Constrained {
			c.SampleRate = prop.IntRanged{Max: 16000}
		}
		if cfg.PreferredMic != "" {
			c.DeviceID = prop.StringExact(cfg.PreferredMic)
		}
	}
}

// captureBundle acquires local media with a graceful fallback ladder.
// GetUserMedia fails as a unit if either requested track cannot be opened,
// so a busy microphone must not prevent the camera from working and vice
// versa: try video+audio, then video-only, then audio-only. Only when every
// attempt fails is the acquisition fatal.
func captureBundle(_ context.Context, cfg Config, wantVideo bool) (*Bundle, error) {
	selector, err := newSelector(cfg)
	if err != nil {
		return nil, err
	}

	if devices := mediadevices.EnumerateDevices(); len(devices) == 0 {
		log.Printf("MEDIA: no capture devices found")
	} else {
		for _, d := range devices {
			log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	attempts := []attempt{{false, true, "audio-only"}}
	if wantVideo {
		attempts = []attempt{
			{true, true, "video+audio"},
			{true, false, "video-only"},
			{false, true, "audio-only"},
		}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = videoConstraints(cfg)
		}
		if a.audio {
			constraints.Audio = audioConstraints(cfg)
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("MEDIA: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		b := &Bundle{setup: selectorSetup(selector)}
		for _, track := range stream.GetTracks() {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("MEDIA: local track ended: %v", err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				b.audio = track
			case webrtc.RTPCodecTypeVideo:
				b.video = track
			}
		}
		log.Printf("MEDIA: captured local media (%s)", a.label)
		return b, nil
	}

	if lastErr != nil && isPermissionErr(lastErr) {
		return nil, ErrPermissionDenied
	}
	return nil, ErrDeviceUnavailable
}

// captureVideoTrack re-acquires only a video track, preferring any camera
// other than the one the session started with so switching actually moves.
func captureVideoTrack(_ context.Context, cfg Config, _ string) (LocalTrack, error) {
	selector, err := newSelector(cfg)
	if err != nil {
		return nil, err
	}

	// Rotate to a different camera when one exists.
	alt := cfg
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput && d.DeviceID != cfg.PreferredCam {
			alt.PreferredCam = d.DeviceID
			break
		}
	}

	constraints := mediadevices.MediaStreamConstraints{
		Codec: selector,
		Video: videoConstraints(alt),
	}
	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, ErrDeviceUnavailable
	}
	for _, track := range stream.GetTracks() {
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			return track, nil
		}
		track.Close()
	}
	return nil, ErrDeviceUnavailable
}

func selectorSetup(selector *mediadevices.CodecSelector) EngineSetup {
	return func(me *webrtc.MediaEngine) error {
		selector.Populate(me)
		return nil
	}
}

func isPermissionErr(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "permission") || strings.Contains(s, "denied")
}
