package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/peer"
)

// Sender writes one envelope to the signaling server. *Client implements it.
type Sender interface {
	Send(ctx context.Context, t models.SignalType, payload interface{}) error
}

// SessionSignaler sends the negotiation messages of one 1:1 session. Every
// message carries the session id and the sender's session token.
type SessionSignaler struct {
	Sender    Sender
	SessionID string
	UserID    string
	DeviceID  string
	Token     string
}

var sessionTypes = map[peer.SignalKind]models.SignalType{
	peer.SignalOffer:     models.SignalTypeWebRTCOffer,
	peer.SignalAnswer:    models.SignalTypeWebRTCAnswer,
	peer.SignalCandidate: models.SignalTypeWebRTCICE,
}

func (s *SessionSignaler) Signal(ctx context.Context, remote string, msg peer.Outbound) error {
	t, ok := sessionTypes[msg.Kind]
	if !ok {
		return fmt.Errorf("unknown signal kind %q", msg.Kind)
	}
	sig := models.SessionSignal{
		SessionID:    s.SessionID,
		FromUserID:   s.UserID,
		FromDeviceID: s.DeviceID,
		ToDeviceID:   remote,
		Candidate:    msg.Candidate,
		Token:        s.Token,
	}
	if msg.Desc != nil {
		sig.SDP = msg.Desc.SDP
	}
	return s.Sender.Send(ctx, t, sig)
}

// AnnounceScreenShare implements media.Announcer for a 1:1 session. The
// server relays the notice to the session counterpart.
func (s *SessionSignaler) AnnounceScreenShare(ctx context.Context, active bool) error {
	return s.Sender.Send(ctx, screenShareType(active), models.ScreenSharePayload{
		SessionID: s.SessionID,
		UserID:    s.DeviceID,
		Token:     s.Token,
	})
}

func screenShareType(active bool) models.SignalType {
	if active {
		return models.SignalTypeScreenShareStarted
	}
	return models.SignalTypeScreenShareStopped
}

// DecodeSession splits a webrtc-offer, webrtc-answer or webrtc-ice envelope
// into its routing fields and the message for the peer manager.
func DecodeSession(env models.Envelope) (models.SessionSignal, peer.Outbound, error) {
	var sig models.SessionSignal
	if err := env.Decode(&sig); err != nil {
		return sig, peer.Outbound{}, err
	}
	msg, err := inbound(env.Type, sig.SDP, sig.Candidate)
	return sig, msg, err
}

// RoomSignaler sends the negotiation messages of a mesh meeting and
// announces screen sharing to the room.
type RoomSignaler struct {
	Sender  Sender
	LocalID string

	mu     sync.RWMutex
	roomID string
}

func NewRoomSignaler(sender Sender, roomID, localID string) *RoomSignaler {
	return &RoomSignaler{Sender: sender, LocalID: localID, roomID: roomID}
}

// RoomID returns the room messages are addressed to.
func (s *RoomSignaler) RoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// SetRoomID switches to the canonical id the server answered with.
func (s *RoomSignaler) SetRoomID(id string) {
	s.mu.Lock()
	s.roomID = id
	s.mu.Unlock()
}

var roomTypes = map[peer.SignalKind]models.SignalType{
	peer.SignalOffer:     models.SignalTypeOffer,
	peer.SignalAnswer:    models.SignalTypeAnswer,
	peer.SignalCandidate: models.SignalTypeCandidate,
}

func (s *RoomSignaler) Signal(ctx context.Context, remote string, msg peer.Outbound) error {
	t, ok := roomTypes[msg.Kind]
	if !ok {
		return fmt.Errorf("unknown signal kind %q", msg.Kind)
	}
	sig := models.RoomSignal{RoomID: s.RoomID(), To: remote, Candidate: msg.Candidate}
	if msg.Desc != nil {
		sig.SDP = msg.Desc.SDP
	}
	return s.Sender.Send(ctx, t, sig)
}

// AnnounceScreenShare implements media.Announcer.
func (s *RoomSignaler) AnnounceScreenShare(ctx context.Context, active bool) error {
	return s.Sender.Send(ctx, screenShareType(active), models.ScreenSharePayload{RoomID: s.RoomID(), UserID: s.LocalID})
}

// DecodeRoom is the mesh counterpart of DecodeSession.
func DecodeRoom(env models.Envelope) (models.RoomSignal, peer.Outbound, error) {
	var sig models.RoomSignal
	if err := env.Decode(&sig); err != nil {
		return sig, peer.Outbound{}, err
	}
	msg, err := inbound(env.Type, sig.SDP, sig.Candidate)
	return sig, msg, err
}

func inbound(t models.SignalType, sdp string, candidate *webrtc.ICECandidateInit) (peer.Outbound, error) {
	switch t {
	case models.SignalTypeWebRTCOffer, models.SignalTypeOffer:
		return peer.Outbound{Kind: peer.SignalOffer, Desc: &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}}, nil
	case models.SignalTypeWebRTCAnswer, models.SignalTypeAnswer:
		return peer.Outbound{Kind: peer.SignalAnswer, Desc: &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}}, nil
	case models.SignalTypeWebRTCICE, models.SignalTypeCandidate:
		if candidate == nil {
			return peer.Outbound{}, fmt.Errorf("%s without candidate", t)
		}
		return peer.Outbound{Kind: peer.SignalCandidate, Candidate: candidate}, nil
	}
	return peer.Outbound{}, fmt.Errorf("%s is not a negotiation message", t)
}
