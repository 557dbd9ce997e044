package media

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is a local capture device class.
type Kind string

const (
	KindMicrophone Kind = "microphone"
	KindCamera     Kind = "camera"
	KindScreen     Kind = "screen"
)

// StreamID is the stream id of camera and microphone tracks. Screen tracks
// use ScreenStreamID so that receivers without the out-of-band signal can
// still tell them apart.
const (
	StreamID       = "desklink"
	ScreenStreamID = "desklink-screen"
)

// Source is one local capture track. Samples written while the source is
// disabled are dropped, which is how mute is implemented without tearing
// the sender down.
type Source struct {
	Kind  Kind
	Track *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	release func()
}

// NewSource wraps track. release, if set, is called once by Stop.
func NewSource(kind Kind, track *webrtc.TrackLocalStaticSample, release func()) *Source {
	s := &Source{Kind: kind, Track: track, release: release}
	s.enabled.Store(true)
	return s
}

func (s *Source) Enabled() bool { return s.enabled.Load() && !s.stopped.Load() }

func (s *Source) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

// WriteSample forwards a captured sample to every bound sender.
func (s *Source) WriteSample(sample pionmedia.Sample) error {
	if !s.Enabled() {
		return nil
	}
	return s.Track.WriteSample(sample)
}

// Stop ends capture. A stopped source never sends again.
func (s *Source) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		if s.release != nil {
			s.release()
		}
	})
}

func (s *Source) Stopped() bool { return s.stopped.Load() }

// Capturer acquires capture sources. Device access itself lives outside
// this module; implementations feed samples into the returned Source.
type Capturer interface {
	Acquire(kind Kind) (*Source, error)
}

// CapturerFunc adapts a function to Capturer.
type CapturerFunc func(kind Kind) (*Source, error)

func (f CapturerFunc) Acquire(kind Kind) (*Source, error) { return f(kind) }

// TrackCapturer creates sample tracks with the default codec for each kind
// and leaves sample production to the caller.
type TrackCapturer struct{}

func (TrackCapturer) Acquire(kind Kind) (*Source, error) {
	var codec webrtc.RTPCodecCapability
	streamID := StreamID
	switch kind {
	case KindMicrophone:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case KindCamera:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case KindScreen:
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		streamID = ScreenStreamID
	default:
		return nil, fmt.Errorf("media: unknown capture kind %q", kind)
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("media: failed to create %s track: %w", kind, err)
	}
	return NewSource(kind, track, nil), nil
}
