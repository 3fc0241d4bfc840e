// Package media owns the local microphone and camera. The capture bundle is
// acquired once per call session, lent to every peer link simultaneously and
// stopped only here, never by a borrower.
package media

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrPermissionDenied means the platform refused device access.
	ErrPermissionDenied = errors.New("media: device permission denied")

	// ErrDeviceUnavailable means no usable capture device was found.
	ErrDeviceUnavailable = errors.New("media: no usable capture device")
)

// LocalTrack is a capture track that can be handed to a peer connection and
// closed when the session ends. Only the Controller calls Close.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
}

// EngineSetup registers the bundle's codecs on a WebRTC media engine. Peer
// connections that carry these tracks must be built from an engine prepared
// this way.
type EngineSetup func(*webrtc.MediaEngine) error

// Bundle is the acquired local media for one session.
type Bundle struct {
	mu    sync.Mutex
	audio LocalTrack // nil when audio capture failed or was not requested
	video LocalTrack

	audioEnabled bool
	videoEnabled bool

	setup EngineSetup
}

// Audio returns the local audio track, or nil.
func (b *Bundle) Audio() webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.audio == nil {
		return nil
	}
	return b.audio
}

// Video returns the local video track, or nil.
func (b *Bundle) Video() webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.video == nil {
		return nil
	}
	return b.video
}

// AudioEnabled reports whether local audio is currently live.
func (b *Bundle) AudioEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audioEnabled && b.audio != nil
}

// VideoEnabled reports whether local video is currently live.
func (b *Bundle) VideoEnabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.videoEnabled && b.video != nil
}

// EngineSetup returns the codec registration for this bundle.
func (b *Bundle) EngineSetup() EngineSetup {
	return b.setup
}

// Empty reports whether the bundle carries no local tracks (receive-only).
func (b *Bundle) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.audio == nil && b.video == nil
}

func (b *Bundle) stop() {
	b.mu.Lock()
	audio, video := b.audio, b.video
	b.audio, b.video = nil, nil
	b.mu.Unlock()
	if audio != nil {
		audio.Close()
	}
	if video != nil {
		video.Close()
	}
}

// Config mirrors the media section of the app configuration without
// importing it, keeping this package reusable.
type Config struct {
	PreferredCam string
	PreferredMic string

	// Constrained caps resolution and sample rate for low-power devices.
	Constrained bool
}

// Controller acquires and releases the local capture bundle. Toggling
// enablement never re-acquires devices; switching cameras re-acquires only
// the video track.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	bundle *Bundle
}

// NewController creates a controller with the given device preferences.
func NewController(cfg Config) *Controller {
	return &Controller{cfg: cfg}
}

// Acquire captures local media, with video when wantVideo is set. It is
// idempotent for the lifetime of a session: a second call returns the same
// bundle so the stream identity survives signaling reconnects.
func (c *Controller) Acquire(ctx context.Context, wantVideo bool) (*Bundle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bundle != nil {
		return c.bundle, nil
	}

	b, err := captureBundle(ctx, c.cfg, wantVideo)
	if err != nil {
		return nil, err
	}
	b.audioEnabled = b.audio != nil
	b.videoEnabled = b.video != nil
	c.bundle = b
	return b, nil
}

// Bundle returns the current bundle, or nil when none is acquired.
func (c *Controller) Bundle() *Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bundle
}

// SetAudioEnabled toggles the live state of the local audio track without
// touching the device. Returns the resulting enabled state.
func (c *Controller) SetAudioEnabled(on bool) bool {
	c.mu.Lock()
	b := c.bundle
	c.mu.Unlock()
	if b == nil {
		return false
	}
	b.mu.Lock()
	b.audioEnabled = on && b.audio != nil
	out := b.audioEnabled
	b.mu.Unlock()
	log.Printf("MEDIA: audio enabled=%v", out)
	return out
}

// SetVideoEnabled toggles the live state of the local video track without
// touching the device. Returns the resulting enabled state.
func (c *Controller) SetVideoEnabled(on bool) bool {
	c.mu.Lock()
	b := c.bundle
	c.mu.Unlock()
	if b == nil {
		return false
	}
	b.mu.Lock()
	b.videoEnabled = on && b.video != nil
	out := b.videoEnabled
	b.mu.Unlock()
	log.Printf("MEDIA: video enabled=%v", out)
	return out
}

// SwitchCamera stops the current video track and re-acquires one from the
// next camera. The audio track is untouched. The new track is returned so
// callers can replace it on every open peer link without renegotiation.
func (c *Controller) SwitchCamera(ctx context.Context) (webrtc.TrackLocal, error) {
	c.mu.Lock()
	b := c.bundle
	c.mu.Unlock()
	if b == nil {
		return nil, ErrDeviceUnavailable
	}

	b.mu.Lock()
	old := b.video
	b.mu.Unlock()
	if old == nil {
		return nil, ErrDeviceUnavailable
	}

	// Stop before re-acquire: most cameras are exclusive-open.
	old.Close()

	fresh, err := captureVideoTrack(ctx, c.cfg, old.ID())
	if err != nil {
		b.mu.Lock()
		b.video = nil
		b.videoEnabled = false
		b.mu.Unlock()
		return nil, err
	}

	b.mu.Lock()
	b.video = fresh
	b.videoEnabled = true
	b.mu.Unlock()
	log.Printf("MEDIA: switched camera")
	return fresh, nil
}

// Release stops all tracks and forgets the bundle. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	b := c.bundle
	c.bundle = nil
	c.mu.Unlock()
	if b != nil {
		b.stop()
		log.Printf("MEDIA: released local media")
	}
}
