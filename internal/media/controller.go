// Package media owns the local capture tracks of a peer and keeps every
// peer connection's senders in step with them.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/peer"
)

// Peers is the part of the peer manager the controller drives.
type Peers interface {
	SetTrack(slot peer.Slot, track webrtc.TrackLocal) error
	RenegotiateAll() error
}

// Announcer broadcasts the local screen share state to the other peers.
type Announcer interface {
	AnnounceScreenShare(ctx context.Context, active bool) error
}

// Controller implements mute, camera and screen share toggles. Operations
// are serialized; LocalTracks may be called concurrently with them.
type Controller struct {
	capturer  Capturer
	announcer Announcer
	log       *zap.Logger

	mu    sync.Mutex
	peers Peers

	tracksMu sync.RWMutex
	audio    *Source
	camera   *Source
	screen   *Source
	sharing  bool
}

// NewController returns a controller with no active capture. announcer may
// be nil for 1:1 sessions where screen share is the only video.
func NewController(capturer Capturer, announcer Announcer, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if capturer == nil {
		capturer = TrackCapturer{}
	}
	return &Controller{
		capturer:  capturer,
		announcer: announcer,
		log:       logger.Named("media"),
	}
}

// Attach sets the peers whose senders follow the local tracks. It is
// separate from NewController because the peer manager reads LocalTracks
// when it creates connections.
func (c *Controller) Attach(peers Peers) {
	c.mu.Lock()
	c.peers = peers
	c.mu.Unlock()
}

// LocalTracks returns the tracks a new connection should send. The video
// slot carries the screen while sharing.
func (c *Controller) LocalTracks() map[peer.Slot]webrtc.TrackLocal {
	c.tracksMu.RLock()
	defer c.tracksMu.RUnlock()
	tracks := make(map[peer.Slot]webrtc.TrackLocal, 2)
	if c.audio != nil {
		tracks[peer.SlotAudio] = c.audio.Track
	}
	if video := c.videoLocked(); video != nil {
		tracks[peer.SlotVideo] = video.Track
	}
	return tracks
}

func (c *Controller) videoLocked() *Source {
	if c.sharing {
		return c.screen
	}
	return c.camera
}

// Sharing reports whether the local screen is being shared.
func (c *Controller) Sharing() bool {
	c.tracksMu.RLock()
	defer c.tracksMu.RUnlock()
	return c.sharing
}

// Source returns the active source of kind, if any.
func (c *Controller) Source(kind Kind) *Source {
	c.tracksMu.RLock()
	defer c.tracksMu.RUnlock()
	switch kind {
	case KindMicrophone:
		return c.audio
	case KindCamera:
		return c.camera
	case KindScreen:
		return c.screen
	}
	return nil
}

// ToggleAudio mutes or unmutes the microphone, acquiring it the first time
// it is enabled.
func (c *Controller) ToggleAudio(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acquired, err := c.toggle(KindMicrophone, &c.audio, enabled)
	if err != nil || !acquired {
		return err
	}
	return c.publish(peer.SlotAudio, c.audio.Track)
}

// ToggleVideo turns the camera on or off. While the screen is shared the
// camera state is tracked but the video sender keeps the screen.
func (c *Controller) ToggleVideo(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	acquired, err := c.toggle(KindCamera, &c.camera, enabled)
	if err != nil || !acquired || c.Sharing() {
		return err
	}
	return c.publish(peer.SlotVideo, c.camera.Track)
}

// toggle flips the enabled flag of an existing source or acquires a new one.
// It reports whether a new track was acquired.
func (c *Controller) toggle(kind Kind, slot **Source, enabled bool) (bool, error) {
	c.tracksMu.RLock()
	src := *slot
	c.tracksMu.RUnlock()

	if src != nil {
		src.SetEnabled(enabled)
		c.log.Debug("source toggled", zap.String("kind", string(kind)), zap.Bool("enabled", enabled))
		return false, nil
	}
	if !enabled {
		return false, nil
	}

	src, err := c.capturer.Acquire(kind)
	if err != nil {
		return false, fmt.Errorf("media: failed to acquire %s: %w", kind, err)
	}
	c.tracksMu.Lock()
	*slot = src
	c.tracksMu.Unlock()
	c.log.Info("source acquired", zap.String("kind", string(kind)))
	return true, nil
}

// StartScreenShare announces the share and then moves the screen track
// into the video slot of every connection.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Sharing() {
		return nil
	}
	src, err := c.capturer.Acquire(KindScreen)
	if err != nil {
		return fmt.Errorf("media: failed to acquire screen: %w", err)
	}
	if c.announcer != nil {
		if err := c.announcer.AnnounceScreenShare(ctx, true); err != nil {
			src.Stop()
			return fmt.Errorf("media: failed to announce screen share: %w", err)
		}
	}

	c.tracksMu.Lock()
	c.screen = src
	c.sharing = true
	c.tracksMu.Unlock()
	c.log.Info("screen share started")

	return c.publish(peer.SlotVideo, src.Track)
}

// StopScreenShare releases the screen capture and restores the camera, if
// any, in the video slot.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracksMu.Lock()
	if !c.sharing {
		c.tracksMu.Unlock()
		return nil
	}
	screen := c.screen
	c.screen = nil
	c.sharing = false
	camera := c.camera
	c.tracksMu.Unlock()

	screen.Stop()
	var video webrtc.TrackLocal
	if camera != nil {
		video = camera.Track
	}
	err := c.publish(peer.SlotVideo, video)

	if c.announcer != nil {
		if aerr := c.announcer.AnnounceScreenShare(ctx, false); aerr != nil {
			c.log.Warn("failed to announce screen share stop", zap.Error(aerr))
		}
	}
	c.log.Info("screen share stopped")
	return err
}

// publish replaces the track on every connection and renegotiates.
func (c *Controller) publish(slot peer.Slot, track webrtc.TrackLocal) error {
	if c.peers == nil {
		return nil
	}
	if err := c.peers.SetTrack(slot, track); err != nil {
		c.log.Warn("failed to replace track", zap.String("slot", string(slot)), zap.Error(err))
	}
	return c.peers.RenegotiateAll()
}

// Close stops every source. It is called on full session teardown.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tracksMu.Lock()
	sources := []*Source{c.audio, c.camera, c.screen}
	c.audio, c.camera, c.screen = nil, nil, nil
	c.sharing = false
	c.tracksMu.Unlock()

	for _, src := range sources {
		if src != nil {
			src.Stop()
		}
	}
}
