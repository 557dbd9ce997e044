package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	sendQueueLen = 256
	maxFrameSize = 64 << 10
)

// socket is one registered WebSocket connection on the hub.
type socket struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	// deviceID is set by register and owned by the read goroutine.
	deviceID string

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newSocket(h *Hub, conn *websocket.Conn, userID string) *socket {
	return &socket{
		hub:    h,
		conn:   conn,
		userID: userID,
		sendCh: make(chan []byte, sendQueueLen),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// enqueue queues env for the write pump. A full queue drops the message.
func (s *socket) enqueue(env models.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("%w: socket closed", ErrTransport)
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	default:
		s.hub.log.Warn("send buffer full, dropping message",
			zap.String("device_id", s.deviceID),
			zap.String("type", string(env.Type)))
		return fmt.Errorf("%w: send buffer full", ErrTransport)
	}
}

func (s *socket) send(t models.SignalType, payload interface{}) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return s.enqueue(env)
}

func (s *socket) sendError(err error) {
	if qerr := s.enqueue(models.Envelope{Type: models.SignalTypeError, Error: err.Error()}); qerr != nil {
		s.hub.log.Debug("failed to report error to peer", zap.Error(qerr))
	}
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *socket) joined(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *socket) left(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *socket) joinedRooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (s *socket) readPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.hub.unregister(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn("websocket error", zap.String("device_id", s.deviceID), zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.hub.log.Warn("failed to parse message", zap.Error(err))
			s.sendError(fmt.Errorf("malformed message: %v", err))
			continue
		}
		if err := s.hub.handle(ctx, s, env); err != nil {
			s.hub.log.Info("message rejected",
				zap.String("device_id", s.deviceID),
				zap.String("type", string(env.Type)),
				zap.Error(err))
			s.sendError(err)
		}
	}
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.hub.log.Debug("failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
