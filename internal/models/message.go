package models

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SignalType names a signaling event travelling over the WebSocket.
type SignalType string

const (
	SignalTypeRegister   SignalType = "register"
	SignalTypeRegistered SignalType = "registered"
	SignalTypeError      SignalType = "error"

	// One-to-one remote control sessions.
	SignalTypeWebRTCOffer  SignalType = "webrtc-offer"
	SignalTypeWebRTCAnswer SignalType = "webrtc-answer"
	SignalTypeWebRTCICE    SignalType = "webrtc-ice"
	SignalTypeWebRTCCancel SignalType = "webrtc-cancel"

	// Session lifecycle notifications pushed by the registry.
	SignalTypeSessionRequest  SignalType = "session-request"
	SignalTypeSessionStart    SignalType = "desklink-session-start"
	SignalTypeSessionRejected SignalType = "session-rejected"
	SignalTypeSessionEnded    SignalType = "session-ended"

	// Mesh meetings.
	SignalTypeJoinRoom           SignalType = "join-room"
	SignalTypeRoomJoined         SignalType = "room-joined"
	SignalTypeLeaveRoom          SignalType = "leave-room"
	SignalTypePeerJoined         SignalType = "peer-joined"
	SignalTypePeerLeft           SignalType = "peer-left"
	SignalTypeOffer              SignalType = "offer"
	SignalTypeAnswer             SignalType = "answer"
	SignalTypeCandidate          SignalType = "ice-candidate"
	SignalTypeScreenShareStarted SignalType = "screen-share-started"
	SignalTypeScreenShareStopped SignalType = "screen-share-stopped"
)

// Envelope is the frame exchanged on the signaling socket. Data holds one of
// the payload types below, selected by Type.
type Envelope struct {
	Type  SignalType      `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(t SignalType, payload interface{}) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Data = data
	return env, nil
}

// Decode unmarshals the envelope data into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(e.Data, v)
}

type RegisterPayload struct {
	DeviceID string `json:"deviceId"`
}

type RegisteredPayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
}

// SessionSignal carries webrtc-offer, webrtc-answer and webrtc-ice.
type SessionSignal struct {
	SessionID    string                   `json:"sessionId"`
	FromUserID   string                   `json:"fromUserId"`
	FromDeviceID string                   `json:"fromDeviceId"`
	ToDeviceID   string                   `json:"toDeviceId"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Token        string                   `json:"token"`
}

type CancelPayload struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from,omitempty"`
}

// SessionStart tells a peer a session was accepted and which side of the
// offer/answer exchange it plays.
type SessionStart struct {
	SessionID        string      `json:"sessionId"`
	CallerDeviceID   string      `json:"callerDeviceId"`
	ReceiverDeviceID string      `json:"receiverDeviceId"`
	Permissions      Permissions `json:"permissions"`
	Token            string      `json:"token"`
	Role             Role        `json:"role"`
}

// SessionNotice is pushed for request, rejection and end of a session.
type SessionNotice struct {
	Session *Session `json:"session"`
}

// RoomSignal carries offer, answer and ice-candidate in mesh rooms.
type RoomSignal struct {
	RoomID    string                   `json:"roomId"`
	From      string                   `json:"from,omitempty"`
	To        string                   `json:"to,omitempty"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// RoomPresence is used for join-room, room-joined, peer-joined, peer-left and
// leave-room.
type RoomPresence struct {
	RoomID string   `json:"roomId"`
	From   string   `json:"from,omitempty"`
	Peers  []string `json:"peers,omitempty"`
}

// ScreenSharePayload announces a screen share to a room or, when SessionID
// is set, to the other participant of a session.
type ScreenSharePayload struct {
	RoomID    string `json:"roomId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId"`
	Token     string `json:"token,omitempty"`
}
