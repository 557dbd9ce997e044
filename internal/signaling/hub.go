// Package signaling carries offers, answers, ICE candidates and session
// notifications between peers over WebSocket. Hub is the server side;
// Client is the reconnecting peer side.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/auth"
	"github.com/mossy-p/desklink/internal/middleware"
	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/rooms"
)

var (
	// ErrTransport reports a signaling link that is not connected or failed.
	ErrTransport = errors.New("signaling: transport error")
	// ErrUnauthorized reports a rejected user or session token.
	ErrUnauthorized = errors.New("signaling: unauthorized")
	// ErrPeerOffline is returned when the addressed device has no socket.
	ErrPeerOffline = fmt.Errorf("%w: peer not connected", ErrTransport)
)

// SessionLookup resolves session records for routing checks.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// HubOptions configures a Hub. Sessions and Rooms are optional; without
// Sessions only token checks guard 1:1 routing, without Rooms mesh meetings
// are disabled.
type HubOptions struct {
	Issuer   *auth.Issuer
	Sessions SessionLookup
	Rooms    rooms.Store
	Logger   *zap.Logger
	// CheckOrigin is passed to the upgrader. Nil accepts every origin;
	// origin checking is then left to middleware.
	CheckOrigin func(r *http.Request) bool
}

// Hub indexes connected devices and routes signaling between them.
type Hub struct {
	issuer   *auth.Issuer
	sessions SessionLookup
	rooms    rooms.Store
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*socket
	members map[string]map[string]*socket
}

func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		issuer:   opts.Issuer,
		sessions: opts.Sessions,
		rooms:    opts.Rooms,
		log:      logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[string]*socket),
		members: make(map[string]map[string]*socket),
	}
}

// ServeHTTP authenticates the user token and upgrades the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	userID, err := h.issuer.ParseUserToken(token)
	if token == "" || err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid token"}`))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	s := newSocket(h, conn, userID)
	go s.writePump()
	go s.readPump()
}

// Connected reports whether deviceID has a registered socket.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[deviceID]
	return ok
}

// UserOf returns the user that registered deviceID.
func (h *Hub) UserOf(deviceID string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.clients[deviceID]
	if !ok {
		return "", false
	}
	return s.userID, true
}

// Notify implements session.Notifier.
func (h *Hub) Notify(_ context.Context, deviceID string, t models.SignalType, payload interface{}) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return h.deliver(deviceID, env)
}

func (h *Hub) deliver(deviceID string, env models.Envelope) error {
	h.mu.RLock()
	s, ok := h.clients[deviceID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerOffline, deviceID)
	}
	return s.enqueue(env)
}

// register indexes s under deviceID, closing any older socket of the same
// device.
func (h *Hub) register(s *socket, deviceID string) {
	h.mu.Lock()
	old := h.clients[deviceID]
	s.deviceID = deviceID
	h.clients[deviceID] = s
	h.mu.Unlock()

	if old != nil && old != s {
		h.log.Info("device re-registered, closing previous socket", zap.String("device_id", deviceID))
		old.close()
	}
	h.log.Info("device registered", zap.String("device_id", deviceID), zap.String("user_id", s.userID))
}

// unregister drops s from the index and every room it joined.
func (h *Hub) unregister(s *socket) {
	h.mu.Lock()
	if cur, ok := h.clients[s.deviceID]; ok && cur == s {
		delete(h.clients, s.deviceID)
	}
	h.mu.Unlock()

	for _, roomID := range s.joinedRooms() {
		h.leaveRoom(s, roomID)
	}
	if s.deviceID != "" {
		h.log.Info("device disconnected", zap.String("device_id", s.deviceID))
	}
}

func (h *Hub) handle(ctx context.Context, s *socket, env models.Envelope) error {
	if s.deviceID == "" && env.Type != models.SignalTypeRegister {
		return errors.New("register first")
	}

	switch env.Type {
	case models.SignalTypeRegister:
		var p models.RegisterPayload
		if err := env.Decode(&p); err != nil || p.DeviceID == "" {
			return errors.New("deviceId is required")
		}
		if s.deviceID != "" && s.deviceID != p.DeviceID {
			return fmt.Errorf("already registered as %s", s.deviceID)
		}
		h.register(s, p.DeviceID)
		return s.send(models.SignalTypeRegistered, models.RegisteredPayload{DeviceID: p.DeviceID, UserID: s.userID})

	case models.SignalTypeWebRTCOffer, models.SignalTypeWebRTCAnswer, models.SignalTypeWebRTCICE:
		return h.relaySession(ctx, s, env)

	case models.SignalTypeWebRTCCancel:
		return h.relayCancel(ctx, s, env)

	case models.SignalTypeJoinRoom:
		return h.joinRoom(ctx, s, env)

	case models.SignalTypeLeaveRoom:
		var p models.RoomPresence
		if err := env.Decode(&p); err != nil {
			return err
		}
		h.leaveRoom(s, p.RoomID)
		return nil

	case models.SignalTypeOffer, models.SignalTypeAnswer, models.SignalTypeCandidate:
		return h.relayRoom(s, env)

	case models.SignalTypeScreenShareStarted, models.SignalTypeScreenShareStopped:
		var p models.ScreenSharePayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		if p.SessionID != "" {
			return h.relaySessionShare(ctx, s, env.Type, p)
		}
		if !h.inRoom(s, p.RoomID) {
			return fmt.Errorf("not in room %s", p.RoomID)
		}
		p.UserID = s.deviceID
		return h.broadcast(p.RoomID, env.Type, p, s.deviceID)

	default:
		h.log.Warn("unknown message type", zap.String("type", string(env.Type)), zap.String("device_id", s.deviceID))
		return nil
	}
}

// relaySession forwards a 1:1 offer, answer or candidate after checking the
// sender's session token.
func (h *Hub) relaySession(ctx context.Context, s *socket, env models.Envelope) error {
	var sig models.SessionSignal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	if _, err := h.issuer.VerifySessionToken(sig.Token, sig.SessionID, s.deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if h.sessions != nil {
		other, err := h.counterpart(ctx, s, sig.SessionID)
		if err != nil {
			return err
		}
		if other.DeviceID != sig.ToDeviceID {
			return fmt.Errorf("%w: %s is not the counterpart", ErrUnauthorized, sig.ToDeviceID)
		}
	}
	sig.FromUserID = s.userID
	sig.FromDeviceID = s.deviceID

	out, err := models.NewEnvelope(env.Type, sig)
	if err != nil {
		return err
	}
	return h.deliver(sig.ToDeviceID, out)
}

// counterpart returns the other participant of an accepted session.
func (h *Hub) counterpart(ctx context.Context, s *socket, sessionID string) (models.PeerIdentity, error) {
	sess, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	if sess.Status != models.SessionAccepted {
		return models.PeerIdentity{}, fmt.Errorf("session %s is %s", sess.ID, sess.Status)
	}
	other, ok := sess.Counterpart(s.deviceID)
	if !ok {
		return models.PeerIdentity{}, fmt.Errorf("%w: not a participant of %s", ErrUnauthorized, sessionID)
	}
	return other, nil
}

// relaySessionShare forwards a screen share notice to the session
// counterpart.
func (h *Hub) relaySessionShare(ctx context.Context, s *socket, t models.SignalType, p models.ScreenSharePayload) error {
	if _, err := h.issuer.VerifySessionToken(p.Token, p.SessionID, s.deviceID); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if h.sessions == nil {
		return errors.New("sessions are not available")
	}
	other, err := h.counterpart(ctx, s, p.SessionID)
	if err != nil {
		return err
	}
	p.UserID = s.deviceID
	p.Token = ""
	out, err := models.NewEnvelope(t, p)
	if err != nil {
		return err
	}
	return h.deliver(other.DeviceID, out)
}

func (h *Hub) relayCancel(ctx context.Context, s *socket, env models.Envelope) error {
	var p models.CancelPayload
	if err := env.Decode(&p); err != nil {
		return err
	}
	if h.sessions == nil {
		return errors.New("sessions are not available")
	}
	sess, err := h.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return err
	}
	other, ok := sess.Counterpart(s.deviceID)
	if !ok {
		return fmt.Errorf("%w: not a participant of %s", ErrUnauthorized, p.SessionID)
	}
	p.From = s.deviceID
	out, err := models.NewEnvelope(models.SignalTypeWebRTCCancel, p)
	if err != nil {
		return err
	}
	return h.deliver(other.DeviceID, out)
}

func (h *Hub) joinRoom(ctx context.Context, s *socket, env models.Envelope) error {
	if h.rooms == nil {
		return errors.New("rooms are not available")
	}
	var p models.RoomPresence
	if err := env.Decode(&p); err != nil {
		return err
	}
	room, err := h.rooms.Join(ctx, p.RoomID, s.deviceID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	members, ok := h.members[room.ID]
	if !ok {
		members = make(map[string]*socket)
		h.members[room.ID] = members
	}
	peers := make([]string, 0, len(members))
	for id := range members {
		if id != s.deviceID {
			peers = append(peers, id)
		}
	}
	members[s.deviceID] = s
	h.mu.Unlock()
	s.joined(room.ID)
	sort.Strings(peers)

	h.log.Info("peer joined room",
		zap.String("device_id", s.deviceID),
		zap.String("room_id", room.ID),
		zap.Int("peers", len(peers)+1),
		zap.Int("max_peers", room.MaxPeers))

	if err := s.send(models.SignalTypeRoomJoined, models.RoomPresence{RoomID: room.ID, Peers: peers}); err != nil {
		return err
	}
	return h.broadcast(room.ID, models.SignalTypePeerJoined, models.RoomPresence{RoomID: room.ID, From: s.deviceID}, s.deviceID)
}

func (h *Hub) leaveRoom(s *socket, roomID string) {
	h.mu.Lock()
	members, ok := h.members[roomID]
	if !ok || members[s.deviceID] != s {
		h.mu.Unlock()
		return
	}
	delete(members, s.deviceID)
	if len(members) == 0 {
		delete(h.members, roomID)
	}
	h.mu.Unlock()
	s.left(roomID)

	if h.rooms != nil {
		if err := h.rooms.Leave(context.Background(), roomID, s.deviceID); err != nil {
			h.log.Warn("failed to remove room presence", zap.String("room_id", roomID), zap.Error(err))
		}
	}
	if err := h.broadcast(roomID, models.SignalTypePeerLeft, models.RoomPresence{RoomID: roomID, From: s.deviceID}, s.deviceID); err != nil {
		h.log.Warn("failed to announce departure", zap.String("room_id", roomID), zap.Error(err))
	}
	h.log.Info("peer left room", zap.String("device_id", s.deviceID), zap.String("room_id", roomID))
}

func (h *Hub) inRoom(s *socket, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.members[roomID][s.deviceID] == s
}

// relayRoom forwards a mesh offer, answer or candidate to its addressee, or
// to every other member when none is named.
func (h *Hub) relayRoom(s *socket, env models.Envelope) error {
	var sig models.RoomSignal
	if err := env.Decode(&sig); err != nil {
		return err
	}
	if !h.inRoom(s, sig.RoomID) {
		return fmt.Errorf("not in room %s", sig.RoomID)
	}
	sig.From = s.deviceID

	if sig.To == "" {
		return h.broadcast(sig.RoomID, env.Type, sig, s.deviceID)
	}
	h.mu.RLock()
	target, ok := h.members[sig.RoomID][sig.To]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s is not in room %s", ErrPeerOffline, sig.To, sig.RoomID)
	}
	return target.send(env.Type, sig)
}

func (h *Hub) broadcast(roomID string, t models.SignalType, payload interface{}, exclude string) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	targets := make([]*socket, 0, len(h.members[roomID]))
	for id, member := range h.members[roomID] {
		if id != exclude {
			targets = append(targets, member)
		}
	}
	h.mu.RUnlock()

	for _, member := range targets {
		if err := member.enqueue(env); err != nil {
			h.log.Warn("failed to send message to peer", zap.String("device_id", member.deviceID), zap.Error(err))
		}
	}
	return nil
}

// Close disconnects every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	sockets := make([]*socket, 0, len(h.clients))
	for _, s := range h.clients {
		sockets = append(sockets, s)
	}
	h.mu.RUnlock()
	for _, s := range sockets {
		s.close()
	}
}
