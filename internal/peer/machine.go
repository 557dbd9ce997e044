package peer

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrNegotiationRace marks a stale answer or a colliding offer that was
	// dropped by the negotiation rules.
	ErrNegotiationRace = errors.New("peer: negotiation race")
	// ErrClosed is returned for operations on a torn down connection.
	ErrClosed = errors.New("peer: connection closed")
)

// maxDescriptionFailures is the number of consecutive description failures
// after which the connection is torn down.
const maxDescriptionFailures = 2

// State is the negotiation state of one connection. It is only mutated by
// Transition.
type State struct {
	Signaling  webrtc.SignalingState
	Connection webrtc.PeerConnectionState

	// HasRemote is set once a remote description has been applied.
	HasRemote bool
	// PendingOffer is set from offer creation until its answer is applied.
	PendingOffer bool
	// Queued records a renegotiation request that arrived while an offer
	// was outstanding.
	Queued bool
	// Negotiated is set after the first complete offer/answer exchange.
	Negotiated bool

	Initiator     bool
	Polite        bool
	ChannelOpened bool
	RemoteSharing bool

	// Buffered holds remote candidates received before a remote description.
	Buffered []webrtc.ICECandidateInit
	Failures int
	Closed   bool
}

// NewState returns the state of a fresh connection.
func NewState(initiator, polite bool) State {
	return State{
		Signaling:  webrtc.SignalingStateStable,
		Connection: webrtc.PeerConnectionStateNew,
		Initiator:  initiator,
		Polite:     polite,
	}
}

// Event is an input to Transition.
type Event interface{ event() }

// Negotiate asks for a fresh offer (initial or renegotiation).
type Negotiate struct{}

// LocalOfferSet reports that an offer was created and set locally.
type LocalOfferSet struct{ Desc webrtc.SessionDescription }

// LocalAnswerSet reports that an answer was created and set locally.
type LocalAnswerSet struct{ Desc webrtc.SessionDescription }

type RemoteOffer struct{ Desc webrtc.SessionDescription }

type RemoteAnswer struct{ Desc webrtc.SessionDescription }

// RemoteApplied reports that a remote description of the given type was
// set.
type RemoteApplied struct{ Type webrtc.SDPType }

// Recreated reports that the peer connection was rebuilt after a failed
// rollback. The new one has no remote description and no data channel.
type Recreated struct{}

// DescriptionFailed reports a failed create/set description step along
// with the signaling state observed afterwards.
type DescriptionFailed struct {
	Op        string
	Err       error
	Signaling webrtc.SignalingState
}

type RemoteCandidate struct{ Candidate webrtc.ICECandidateInit }

type LocalCandidate struct{ Candidate webrtc.ICECandidateInit }

type ConnectionStateChanged struct{ State webrtc.PeerConnectionState }

// SetTrack replaces the local track in a sender slot. A nil track stops
// sending on the slot.
type SetTrack struct {
	Slot  Slot
	Track webrtc.TrackLocal
}

// RemoteTrackAdded reports an incoming track.
type RemoteTrackAdded struct{ Track RemoteTrack }

// RemoteScreenShare is the out-of-band screen share signal from the peer.
type RemoteScreenShare struct{ Active bool }

// ChannelReceived reports a data channel opened by the remote side.
type ChannelReceived struct{ Channel DataChannel }

type Close struct{}

func (Negotiate) event()              {}
func (LocalOfferSet) event()          {}
func (LocalAnswerSet) event()         {}
func (RemoteOffer) event()            {}
func (RemoteAnswer) event()           {}
func (RemoteApplied) event()          {}
func (Recreated) event()              {}
func (DescriptionFailed) event()      {}
func (RemoteCandidate) event()        {}
func (LocalCandidate) event()         {}
func (ConnectionStateChanged) event() {}
func (SetTrack) event()               {}
func (RemoteTrackAdded) event()       {}
func (RemoteScreenShare) event()      {}
func (ChannelReceived) event()        {}
func (Close) event()                  {}

// Effect is an action requested by Transition and carried out by the
// connection against the underlying peer connection.
type Effect interface{ effect() }

// SignalKind names the outbound signaling message of a Send effect.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

type OpenChannel struct{}

type MakeOffer struct{}

type MakeAnswer struct{}

// ApplyRemote sets a remote description.
type ApplyRemote struct{ Desc webrtc.SessionDescription }

// Rollback discards the uncommitted local offer. If the peer connection
// refuses, it is closed and recreated.
type Rollback struct{}

type AddCandidate struct{ Candidate webrtc.ICECandidateInit }

type Send struct {
	Kind      SignalKind
	Desc      webrtc.SessionDescription
	Candidate webrtc.ICECandidateInit
}

type ApplyTrack struct {
	Slot  Slot
	Track webrtc.TrackLocal
}

type AttachRemote struct {
	Track RemoteTrack
	Slot  RemoteSlot
}

// Reclassify moves remote video between the camera and screen slots.
type Reclassify struct{ Sharing bool }

type AdoptChannel struct{ Channel DataChannel }

// CloseChannel closes a channel that arrived after teardown.
type CloseChannel struct{ Channel DataChannel }

type Notify struct{ State webrtc.PeerConnectionState }

// Discard logs a dropped input.
type Discard struct{ Err error }

// Teardown releases everything the connection holds.
type Teardown struct{}

func (OpenChannel) effect()  {}
func (MakeOffer) effect()    {}
func (MakeAnswer) effect()   {}
func (ApplyRemote) effect()  {}
func (Rollback) effect()     {}
func (AddCandidate) effect() {}
func (Send) effect()         {}
func (ApplyTrack) effect()   {}
func (AttachRemote) effect() {}
func (Reclassify) effect()   {}
func (AdoptChannel) effect() {}
func (CloseChannel) effect() {}
func (Notify) effect()       {}
func (Discard) effect()      {}
func (Teardown) effect()     {}

// Transition computes the next state and the effects to run for ev. It has
// no side effects; s is not modified.
func Transition(s State, ev Event) (State, []Effect) {
	if s.Closed {
		if ch, ok := ev.(ChannelReceived); ok {
			return s, []Effect{CloseChannel{Channel: ch.Channel}}
		}
		return s, nil
	}

	switch e := ev.(type) {
	case Negotiate:
		return negotiate(s)

	case LocalOfferSet:
		s.Signaling = webrtc.SignalingStateHaveLocalOffer
		return s, []Effect{Send{Kind: SignalOffer, Desc: e.Desc}}

	case RemoteAnswer:
		if s.Signaling != webrtc.SignalingStateHaveLocalOffer {
			return s, []Effect{Discard{Err: fmt.Errorf("%w: answer in state %s", ErrNegotiationRace, s.Signaling)}}
		}
		return s, []Effect{ApplyRemote{Desc: e.Desc}}

	case RemoteOffer:
		if s.Signaling == webrtc.SignalingStateHaveLocalOffer {
			if !s.Polite {
				return s, []Effect{Discard{Err: fmt.Errorf("%w: colliding offer ignored", ErrNegotiationRace)}}
			}
			// The rolled back offer carried local changes that still need
			// to reach the peer once the incoming offer is answered.
			s.Queued = s.Queued || s.Negotiated
			s.PendingOffer = false
			s.Signaling = webrtc.SignalingStateStable
			return s, []Effect{Rollback{}, ApplyRemote{Desc: e.Desc}}
		}
		return s, []Effect{ApplyRemote{Desc: e.Desc}}

	case RemoteApplied:
		return remoteApplied(s, e)

	case Recreated:
		s.HasRemote = false
		s.ChannelOpened = false
		return s, nil

	case LocalAnswerSet:
		s.Signaling = webrtc.SignalingStateStable
		s.Negotiated = true
		s.Failures = 0
		effects := []Effect{Send{Kind: SignalAnswer, Desc: e.Desc}}
		return drainQueue(s, effects)

	case DescriptionFailed:
		s.Failures++
		s.Signaling = e.Signaling
		s.PendingOffer = e.Signaling == webrtc.SignalingStateHaveLocalOffer
		if s.Failures >= maxDescriptionFailures {
			return closed(s, webrtc.PeerConnectionStateFailed)
		}
		return s, []Effect{Discard{Err: fmt.Errorf("%s: %w", e.Op, e.Err)}}

	case RemoteCandidate:
		if !s.HasRemote {
			buf := make([]webrtc.ICECandidateInit, len(s.Buffered), len(s.Buffered)+1)
			copy(buf, s.Buffered)
			s.Buffered = append(buf, e.Candidate)
			return s, nil
		}
		return s, []Effect{AddCandidate{Candidate: e.Candidate}}

	case LocalCandidate:
		return s, []Effect{Send{Kind: SignalCandidate, Candidate: e.Candidate}}

	case ConnectionStateChanged:
		if s.Connection == e.State {
			return s, nil
		}
		switch e.State {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			return closed(s, e.State)
		}
		s.Connection = e.State
		return s, []Effect{Notify{State: e.State}}

	case SetTrack:
		return s, []Effect{ApplyTrack{Slot: e.Slot, Track: e.Track}}

	case RemoteTrackAdded:
		slot := Classify(e.Track.Kind(), e.Track.ID(), e.Track.StreamID(), s.RemoteSharing)
		return s, []Effect{AttachRemote{Track: e.Track, Slot: slot}}

	case RemoteScreenShare:
		if s.RemoteSharing == e.Active {
			return s, nil
		}
		s.RemoteSharing = e.Active
		return s, []Effect{Reclassify{Sharing: e.Active}}

	case ChannelReceived:
		s.ChannelOpened = true
		return s, []Effect{AdoptChannel{Channel: e.Channel}}

	case Close:
		return closed(s, webrtc.PeerConnectionStateClosed)
	}
	return s, nil
}

func negotiate(s State) (State, []Effect) {
	if s.Signaling != webrtc.SignalingStateStable || s.PendingOffer {
		s.Queued = true
		return s, nil
	}
	var effects []Effect
	if s.Initiator && !s.ChannelOpened {
		s.ChannelOpened = true
		effects = append(effects, OpenChannel{})
	}
	s.PendingOffer = true
	s.Queued = false
	return s, append(effects, MakeOffer{})
}

func remoteApplied(s State, e RemoteApplied) (State, []Effect) {
	s.HasRemote = true
	s.Failures = 0

	effects := make([]Effect, 0, len(s.Buffered)+2)
	for _, c := range s.Buffered {
		effects = append(effects, AddCandidate{Candidate: c})
	}
	s.Buffered = nil

	if e.Type == webrtc.SDPTypeOffer {
		s.Signaling = webrtc.SignalingStateHaveRemoteOffer
		return s, append(effects, MakeAnswer{})
	}

	s.Signaling = webrtc.SignalingStateStable
	s.PendingOffer = false
	s.Negotiated = true
	return drainQueue(s, effects)
}

// drainQueue turns a queued renegotiation into a single offer once the
// connection is stable again.
func drainQueue(s State, effects []Effect) (State, []Effect) {
	if !s.Queued || s.PendingOffer || s.Signaling != webrtc.SignalingStateStable {
		return s, effects
	}
	s.Queued = false
	s.PendingOffer = true
	return s, append(effects, MakeOffer{})
}

func closed(s State, final webrtc.PeerConnectionState) (State, []Effect) {
	s.Closed = true
	s.Connection = final
	s.Signaling = webrtc.SignalingStateClosed
	s.Buffered = nil
	s.PendingOffer = false
	s.Queued = false
	return s, []Effect{Teardown{}, Notify{State: final}}
}
