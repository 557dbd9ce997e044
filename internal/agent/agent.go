// Package agent is the peer side of desklink. It reacts to signaling
// notifications by creating, negotiating and tearing down peer connections
// for 1:1 remote control sessions and mesh meetings.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/auth"
	"github.com/mossy-p/desklink/internal/control"
	"github.com/mossy-p/desklink/internal/media"
	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/peer"
	"github.com/mossy-p/desklink/internal/signaling"
)

var (
	ErrUnknownSession = errors.New("agent: unknown session")
	ErrInMeeting      = errors.New("agent: already in a meeting")
	ErrNoMeeting      = errors.New("agent: not in a meeting")
)

// Transport is the signaling link. *signaling.Client implements it.
type Transport interface {
	signaling.Sender
	Handle(t models.SignalType, fn signaling.Handler)
	OnReconnect(fn func())
}

// Options configures an Agent.
type Options struct {
	DeviceID  string
	Transport Transport
	Factory   peer.Factory
	Capturer  media.Capturer
	// ShareScreen makes the receiving side of a session publish its screen
	// once the connection is up.
	ShareScreen bool
	// OnControl receives the authorized control messages of a session.
	// Nil logs them.
	OnControl func(sessionID string, m control.Message)
	Logger    *zap.Logger
}

// Agent coordinates the sessions and the meeting of one device.
type Agent struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	meeting  *meeting
}

type session struct {
	start  models.SessionStart
	remote string
	peers  *peer.Manager
	media  *media.Controller
	share  sync.Once

	mu      sync.Mutex
	channel *control.Channel
}

type meeting struct {
	signaler *signaling.RoomSignaler
	peers    *peer.Manager
	media    *media.Controller
}

// New builds an agent and registers its handlers on the transport.
func New(opts Options) *Agent {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		opts:     opts,
		log:      logger.Named("agent").With(zap.String("device_id", opts.DeviceID)),
		sessions: make(map[string]*session),
	}

	t := opts.Transport
	t.Handle(models.SignalTypeSessionRequest, a.onSessionRequest)
	t.Handle(models.SignalTypeSessionStart, a.onSessionStart)
	t.Handle(models.SignalTypeSessionRejected, a.onSessionRejected)
	t.Handle(models.SignalTypeSessionEnded, a.onSessionEnded)
	t.Handle(models.SignalTypeWebRTCCancel, a.onCancel)
	for _, typ := range []models.SignalType{models.SignalTypeWebRTCOffer, models.SignalTypeWebRTCAnswer, models.SignalTypeWebRTCICE} {
		t.Handle(typ, a.onSessionSignal)
	}

	t.Handle(models.SignalTypeRoomJoined, a.onRoomJoined)
	t.Handle(models.SignalTypePeerJoined, a.onPeerJoined)
	t.Handle(models.SignalTypePeerLeft, a.onPeerLeft)
	for _, typ := range []models.SignalType{models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate} {
		t.Handle(typ, a.onRoomSignal)
	}
	t.Handle(models.SignalTypeScreenShareStarted, a.onScreenShare)
	t.Handle(models.SignalTypeScreenShareStopped, a.onScreenShare)

	t.OnReconnect(a.onReconnect)
	return a
}

// Sessions returns the ids of the active sessions in sorted order.
func (a *Agent) Sessions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Agent) session(id string) (*session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[id]
	return s, ok
}

// Channel returns the control channel of a session once it is available.
func (a *Agent) Channel(sessionID string) (*control.Channel, bool) {
	s, ok := a.session(sessionID)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel, s.channel != nil
}

// Peers returns the peer manager of a session.
func (a *Agent) Peers(sessionID string) (*peer.Manager, bool) {
	s, ok := a.session(sessionID)
	if !ok {
		return nil, false
	}
	return s.peers, true
}

// EndSession tells the counterpart the session is cancelled and tears the
// local side down.
func (a *Agent) EndSession(ctx context.Context, sessionID string) error {
	if _, ok := a.session(sessionID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	err := a.opts.Transport.Send(ctx, models.SignalTypeWebRTCCancel, models.CancelPayload{SessionID: sessionID})
	a.end(sessionID, "ended locally")
	return err
}

// Close tears down every session and leaves the meeting.
func (a *Agent) Close() {
	for _, id := range a.Sessions() {
		a.end(id, "agent closed")
	}
	a.mu.Lock()
	m := a.meeting
	a.meeting = nil
	a.mu.Unlock()
	if m != nil {
		m.close()
	}
}

func (a *Agent) onSessionRequest(_ context.Context, env models.Envelope) {
	var n models.SessionNotice
	if err := env.Decode(&n); err != nil || n.Session == nil {
		a.log.Warn("malformed session request", zap.Error(err))
		return
	}
	a.log.Info("incoming session request",
		zap.String("session_id", n.Session.ID),
		zap.String("from_device", n.Session.Caller.DeviceID))
}

func (a *Agent) onSessionRejected(_ context.Context, env models.Envelope) {
	var n models.SessionNotice
	if err := env.Decode(&n); err != nil || n.Session == nil {
		return
	}
	a.log.Info("session rejected", zap.String("session_id", n.Session.ID))
}

func (a *Agent) onSessionStart(ctx context.Context, env models.Envelope) {
	var start models.SessionStart
	if err := env.Decode(&start); err != nil || start.SessionID == "" {
		a.log.Warn("malformed session start", zap.Error(err))
		return
	}
	if err := a.startSession(ctx, start); err != nil {
		a.log.Error("failed to start session", zap.String("session_id", start.SessionID), zap.Error(err))
		a.end(start.SessionID, "start failed")
	}
}

func (a *Agent) startSession(ctx context.Context, start models.SessionStart) error {
	remote := start.CallerDeviceID
	if start.Role.Initiator() {
		remote = start.ReceiverDeviceID
	}
	if _, ok := a.session(start.SessionID); ok {
		a.log.Debug("duplicate session start", zap.String("session_id", start.SessionID))
		return nil
	}
	s := &session{start: start, remote: remote}
	signaler := &signaling.SessionSignaler{
		Sender:    a.opts.Transport,
		SessionID: start.SessionID,
		DeviceID:  a.opts.DeviceID,
		Token:     start.Token,
	}
	s.media = media.NewController(a.opts.Capturer, signaler, a.log)
	s.peers = peer.NewManager(peer.Options{
		LocalID:  a.opts.DeviceID,
		Mode:     peer.ModeDirect,
		Factory:  a.opts.Factory,
		Signaler: signaler,
		Tracks:   s.media,
		Hooks: peer.Hooks{
			OnStateChange: func(_ string, state webrtc.PeerConnectionState) { a.sessionState(ctx, s, state) },
			OnRemoteMedia: peer.DrainRemote,
			OnDataChannel: func(_ string, dc peer.DataChannel) { a.attachChannel(s, dc) },
		},
		Logger: a.log,
	})
	s.media.Attach(s.peers)

	a.mu.Lock()
	a.sessions[start.SessionID] = s
	a.mu.Unlock()

	a.log.Info("session starting",
		zap.String("session_id", start.SessionID),
		zap.String("role", string(start.Role)),
		zap.String("remote", remote))
	if start.Role.Initiator() {
		_, err := s.peers.Connect(remote)
		return err
	}
	_, err := s.peers.Prepare(remote)
	return err
}

// sessionState runs on the connection goroutine; anything that calls back
// into the connection is moved off it.
func (a *Agent) sessionState(ctx context.Context, s *session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if a.opts.ShareScreen && !s.start.Role.Initiator() {
			s.share.Do(func() {
				go func() {
					if err := s.media.StartScreenShare(ctx); err != nil {
						a.log.Warn("failed to share screen", zap.String("session_id", s.start.SessionID), zap.Error(err))
					}
				}()
			})
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		go a.end(s.start.SessionID, "connection "+state.String())
	}
}

func (a *Agent) attachChannel(s *session, dc peer.DataChannel) {
	id := s.start.SessionID
	policy := control.Policy{
		SessionID:   id,
		Permissions: s.start.Permissions,
		VerifyToken: func(token string) error {
			claims, err := auth.PeekSessionClaims(token)
			if err != nil {
				return err
			}
			if claims.SessionID != id || claims.DeviceID != s.remote {
				return auth.ErrTokenMismatch
			}
			return nil
		},
	}
	ch := control.NewChannel(dc, control.NewBuilder(id, s.start.Token), policy, a.log)
	ch.OnMessage(func(m control.Message) {
		if a.opts.OnControl != nil {
			a.opts.OnControl(id, m)
			return
		}
		a.log.Info("control message",
			zap.String("session_id", id),
			zap.String("type", string(m.Type)),
			zap.Float64("x", m.X),
			zap.Float64("y", m.Y),
			zap.String("key", m.Key))
	})

	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()
}

func (a *Agent) onSessionSignal(ctx context.Context, env models.Envelope) {
	sig, msg, err := signaling.DecodeSession(env)
	if err != nil {
		a.log.Warn("malformed session signal", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	s, ok := a.session(sig.SessionID)
	if !ok {
		a.log.Warn("signal for unknown session", zap.String("session_id", sig.SessionID))
		return
	}
	if sig.FromDeviceID != s.remote {
		a.log.Warn("signal from unexpected device",
			zap.String("session_id", sig.SessionID),
			zap.String("from_device", sig.FromDeviceID))
		return
	}
	if err := s.peers.HandleSignal(ctx, s.remote, msg); err != nil {
		a.log.Warn("failed to apply session signal",
			zap.String("session_id", sig.SessionID),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (a *Agent) onSessionEnded(_ context.Context, env models.Envelope) {
	var n models.SessionNotice
	if err := env.Decode(&n); err != nil || n.Session == nil {
		a.log.Warn("malformed session end", zap.Error(err))
		return
	}
	a.end(n.Session.ID, "ended by "+n.Session.EndedBy)
}

func (a *Agent) onCancel(_ context.Context, env models.Envelope) {
	var p models.CancelPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	a.end(p.SessionID, "cancelled by "+p.From)
}

// end forgets a session and releases its channel, media and connection.
// Unknown ids are ignored.
func (a *Agent) end(sessionID, reason string) {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	s.peers.CloseAll()
	s.media.Close()
	a.log.Info("session closed", zap.String("session_id", sessionID), zap.String("reason", reason))
}

// JoinRoom enters a mesh meeting. The returned controller drives the local
// microphone, camera and screen share for the meeting.
func (a *Agent) JoinRoom(ctx context.Context, roomID string) (*media.Controller, error) {
	a.mu.Lock()
	if a.meeting != nil {
		a.mu.Unlock()
		return nil, ErrInMeeting
	}
	signaler := signaling.NewRoomSignaler(a.opts.Transport, roomID, a.opts.DeviceID)
	m := &meeting{signaler: signaler}
	m.media = media.NewController(a.opts.Capturer, signaler, a.log)
	m.peers = peer.NewManager(peer.Options{
		LocalID:  a.opts.DeviceID,
		Mode:     peer.ModeMesh,
		Factory:  a.opts.Factory,
		Signaler: signaler,
		Tracks:   m.media,
		Hooks: peer.Hooks{
			OnRemoteMedia: peer.DrainRemote,
			OnStateChange: func(remote string, state webrtc.PeerConnectionState) {
				a.log.Info("meeting peer state", zap.String("remote", remote), zap.String("state", state.String()))
			},
		},
		Logger: a.log,
	})
	m.media.Attach(m.peers)
	a.meeting = m
	a.mu.Unlock()

	if err := a.opts.Transport.Send(ctx, models.SignalTypeJoinRoom, models.RoomPresence{RoomID: roomID}); err != nil {
		a.mu.Lock()
		a.meeting = nil
		a.mu.Unlock()
		m.close()
		return nil, err
	}
	return m.media, nil
}

// LeaveRoom leaves the meeting and closes every meeting connection.
func (a *Agent) LeaveRoom(ctx context.Context) error {
	a.mu.Lock()
	m := a.meeting
	a.meeting = nil
	a.mu.Unlock()
	if m == nil {
		return ErrNoMeeting
	}
	err := a.opts.Transport.Send(ctx, models.SignalTypeLeaveRoom, models.RoomPresence{RoomID: m.signaler.RoomID()})
	m.close()
	return err
}

// MeetingPeers returns the meeting's peer manager.
func (a *Agent) MeetingPeers() (*peer.Manager, bool) {
	m := a.currentMeeting()
	if m == nil {
		return nil, false
	}
	return m.peers, true
}

func (a *Agent) currentMeeting() *meeting {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.meeting
}

func (m *meeting) close() {
	m.peers.CloseAll()
	m.media.Close()
}

// onRoomJoined connects to every peer already in the room. The joiner is
// the offering side towards existing members.
func (a *Agent) onRoomJoined(_ context.Context, env models.Envelope) {
	var p models.RoomPresence
	if err := env.Decode(&p); err != nil {
		return
	}
	m := a.currentMeeting()
	if m == nil {
		a.log.Warn("room joined without a pending meeting", zap.String("room_id", p.RoomID))
		return
	}
	// The room may have been joined by code; the server replies with the
	// canonical id.
	m.signaler.SetRoomID(p.RoomID)

	a.log.Info("joined room", zap.String("room_id", p.RoomID), zap.Strings("peers", p.Peers))
	for _, remote := range p.Peers {
		if _, ok := m.peers.Get(remote); ok {
			continue
		}
		if _, err := m.peers.Connect(remote); err != nil {
			a.log.Warn("failed to connect to room peer", zap.String("remote", remote), zap.Error(err))
		}
	}
}

func (a *Agent) onPeerJoined(_ context.Context, env models.Envelope) {
	var p models.RoomPresence
	if err := env.Decode(&p); err != nil {
		return
	}
	a.log.Info("peer joined room", zap.String("room_id", p.RoomID), zap.String("remote", p.From))
}

func (a *Agent) onPeerLeft(_ context.Context, env models.Envelope) {
	var p models.RoomPresence
	if err := env.Decode(&p); err != nil {
		return
	}
	m := a.currentMeeting()
	if m == nil {
		return
	}
	if err := m.peers.Remove(p.From); err != nil {
		a.log.Debug("failed to close connection", zap.String("remote", p.From), zap.Error(err))
	}
	a.log.Info("peer left room", zap.String("room_id", p.RoomID), zap.String("remote", p.From))
}

func (a *Agent) onRoomSignal(ctx context.Context, env models.Envelope) {
	sig, msg, err := signaling.DecodeRoom(env)
	if err != nil {
		a.log.Warn("malformed room signal", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	m := a.currentMeeting()
	if m == nil || sig.From == "" {
		return
	}
	if err := m.peers.HandleSignal(ctx, sig.From, msg); err != nil {
		a.log.Warn("failed to apply room signal",
			zap.String("remote", sig.From),
			zap.String("type", string(env.Type)),
			zap.Error(err))
	}
}

func (a *Agent) onScreenShare(_ context.Context, env models.Envelope) {
	var p models.ScreenSharePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if p.UserID == a.opts.DeviceID {
		return
	}
	active := env.Type == models.SignalTypeScreenShareStarted

	peers := a.sharePeers(p)
	if peers == nil {
		return
	}
	if err := peers.MarkScreenShare(p.UserID, active); err != nil {
		a.log.Debug("failed to mark screen share", zap.String("remote", p.UserID), zap.Error(err))
	}
}

// sharePeers resolves the connections a screen share notice applies to:
// those of the named session, or of the meeting for room notices.
func (a *Agent) sharePeers(p models.ScreenSharePayload) *peer.Manager {
	if p.SessionID == "" {
		if m := a.currentMeeting(); m != nil {
			return m.peers
		}
		return nil
	}
	s, ok := a.session(p.SessionID)
	if !ok || p.UserID != s.remote {
		a.log.Warn("screen share notice for unknown session",
			zap.String("session_id", p.SessionID),
			zap.String("from", p.UserID))
		return nil
	}
	return s.peers
}

// onReconnect keeps media paths that survived the signaling outage and
// drops the rest. Sessions whose connection was dropped end; the meeting is
// re-joined and missing peers are re-offered on room-joined.
func (a *Agent) onReconnect() {
	a.mu.Lock()
	sessions := make([]*session, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	m := a.meeting
	a.mu.Unlock()

	for _, s := range sessions {
		if pruned := s.peers.Prune(); len(pruned) > 0 {
			a.end(s.start.SessionID, "signaling reconnected")
		}
	}
	if m == nil {
		return
	}
	m.peers.Prune()
	roomID := m.signaler.RoomID()
	if err := a.opts.Transport.Send(context.Background(), models.SignalTypeJoinRoom, models.RoomPresence{RoomID: roomID}); err != nil {
		a.log.Warn("failed to rejoin room", zap.String("room_id", roomID), zap.Error(err))
	}
}
