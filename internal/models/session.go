package models

import "time"

// SessionStatus is the lifecycle state of a remote control session.
type SessionStatus string

const (
	SessionRequested SessionStatus = "requested"
	SessionAccepted  SessionStatus = "accepted"
	SessionRejected  SessionStatus = "rejected"
	SessionEnded     SessionStatus = "ended"
)

// CanTransition reports whether moving from s to next respects the
// requested -> accepted|rejected, accepted -> ended ordering.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case SessionRequested:
		return next == SessionAccepted || next == SessionRejected
	case SessionAccepted:
		return next == SessionEnded
	default:
		return false
	}
}

// Role is the part a peer plays in a session. Caller/receiver are used for
// one-to-one sessions, host/participant for meetings.
type Role string

const (
	RoleCaller      Role = "caller"
	RoleReceiver    Role = "receiver"
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Initiator reports whether the role sends the first offer.
func (r Role) Initiator() bool {
	return r == RoleCaller || r == RoleHost
}

// Permissions are the capability flags granted by the receiving peer.
type Permissions struct {
	AllowControl      bool `json:"allowControl"`
	ViewOnly          bool `json:"viewOnly"`
	AllowClipboard    bool `json:"allowClipboard"`
	AllowFileTransfer bool `json:"allowFileTransfer"`
}

// DefaultPermissions is applied when the accepting peer sends none.
var DefaultPermissions = Permissions{ViewOnly: true}

// PeerIdentity identifies one endpoint of a session. Devices are the unit of
// addressing on the signaling socket.
type PeerIdentity struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// Is reports whether other acts as p. The device must match, and so must
// the user when p names one.
func (p PeerIdentity) Is(other PeerIdentity) bool {
	return p.DeviceID == other.DeviceID && (p.UserID == "" || p.UserID == other.UserID)
}

// Session is the registry record of one remote control interaction.
type Session struct {
	ID          string            `json:"sessionId"`
	Caller      PeerIdentity      `json:"caller"`
	Receiver    PeerIdentity      `json:"receiver"`
	Status      SessionStatus     `json:"status"`
	Permissions Permissions       `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	AcceptedAt  *time.Time        `json:"acceptedAt,omitempty"`
	EndedAt     *time.Time        `json:"endedAt,omitempty"`
	EndedBy     string            `json:"endedBy,omitempty"`
}

// Roles returns the device -> role assignment of the session.
func (s *Session) Roles() map[string]Role {
	return map[string]Role{
		s.Caller.DeviceID:   RoleCaller,
		s.Receiver.DeviceID: RoleReceiver,
	}
}

// RoleOf returns the role held by deviceID, or false if it is not a participant.
func (s *Session) RoleOf(deviceID string) (Role, bool) {
	switch deviceID {
	case s.Caller.DeviceID:
		return RoleCaller, true
	case s.Receiver.DeviceID:
		return RoleReceiver, true
	}
	return "", false
}

// Counterpart returns the other participant of deviceID.
func (s *Session) Counterpart(deviceID string) (PeerIdentity, bool) {
	switch deviceID {
	case s.Caller.DeviceID:
		return s.Receiver, true
	case s.Receiver.DeviceID:
		return s.Caller, true
	}
	return PeerIdentity{}, false
}

// RequestSessionRequest is the body of POST /api/sessions.
type RequestSessionRequest struct {
	FromDeviceID string            `json:"fromDeviceId" binding:"required"`
	ToDeviceID   string            `json:"toDeviceId" binding:"required"`
	ToUserID     string            `json:"toUserId"`
	Metadata     map[string]string `json:"metadata"`
}

// SessionActionRequest is the body of accept, reject and complete.
type SessionActionRequest struct {
	DeviceID    string       `json:"deviceId" binding:"required"`
	Permissions *Permissions `json:"permissions,omitempty"`
}

// AcceptSessionResponse is returned by accept.
type AcceptSessionResponse struct {
	Session       *Session `json:"session"`
	CallerToken   string   `json:"callerToken"`
	ReceiverToken string   `json:"receiverToken"`
}
