package peer

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/desklink/internal/control"
)

// Slot is a local sender position. The screen share track replaces the
// camera track in the video slot.
type Slot string

const (
	SlotAudio Slot = "audio"
	SlotVideo Slot = "video"
)

// Slots lists the sender slots in attach order.
var Slots = []Slot{SlotAudio, SlotVideo}

// RemoteSlot is the attribution of an incoming track.
type RemoteSlot string

const (
	RemoteAudio  RemoteSlot = "audio"
	RemoteCamera RemoteSlot = "camera"
	RemoteScreen RemoteSlot = "screen"
)

// DataChannel is the control channel handle.
type DataChannel = control.DataChannel

// RemoteTrack is the part of *webrtc.TrackRemote needed for attribution.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Sender is the part of *webrtc.RTPSender used to swap tracks.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// RTC is the peer connection surface driven by a Connection. The pion
// adapter implements it; tests use an in-memory fake.
type RTC interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateDataChannel(label string, init *webrtc.DataChannelInit) (DataChannel, error)

	OnICECandidate(f func(webrtc.ICECandidateInit))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(RemoteTrack))
	OnDataChannel(f func(DataChannel))

	Close() error
}

// Factory builds a fresh RTC. It is called once per connection and again if
// a rollback has to fall back to recreating the peer connection.
type Factory func() (RTC, error)

// Outbound is a signaling message produced by a connection.
type Outbound struct {
	Kind      SignalKind
	Desc      *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// Signaler delivers outbound messages to one remote peer.
type Signaler interface {
	Signal(ctx context.Context, remote string, msg Outbound) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(ctx context.Context, remote string, msg Outbound) error

func (f SignalerFunc) Signal(ctx context.Context, remote string, msg Outbound) error {
	return f(ctx, remote, msg)
}

// TrackSource reports the local tracks currently enabled, keyed by slot.
type TrackSource interface {
	LocalTracks() map[Slot]webrtc.TrackLocal
}
