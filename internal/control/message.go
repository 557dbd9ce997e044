// Package control defines the remote input protocol carried over the
// "control" data channel: message schema, validation against session
// permissions, pointer throttling and a thin wrapper around the channel.
package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Version is written into every message. Receivers reject other versions.
const Version = 1

// Data channel parameters shared by both ends.
const (
	Label          = "control"
	MaxRetransmits = 3
)

const maxClipboardBytes = 64 * 1024

var (
	ErrChannelNotOpen   = errors.New("control: data channel is not open")
	ErrPermissionDenied = errors.New("control: permission denied")
	ErrInvalidMessage   = errors.New("control: invalid message")
)

type Type string

const (
	TypeMouseMove  Type = "mouse-move"
	TypeMouseClick Type = "mouse-click"
	TypeMouseWheel Type = "mouse-wheel"
	TypeKeyPress   Type = "key-press"
	TypeClipboard  Type = "clipboard"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
)

// Message is the JSON frame sent on the control channel. Pointer
// coordinates are normalized to [0,1] of the shared surface.
type Message struct {
	Version   int    `json:"version"`
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"`
	AuthToken string `json:"authToken,omitempty"`

	X         float64  `json:"x,omitempty"`
	Y         float64  `json:"y,omitempty"`
	Button    string   `json:"button,omitempty"`
	Action    string   `json:"action,omitempty"`
	DeltaX    float64  `json:"deltaX,omitempty"`
	DeltaY    float64  `json:"deltaY,omitempty"`
	Key       string   `json:"key,omitempty"`
	Code      string   `json:"code,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`
	Text      string   `json:"text,omitempty"`
}

// Builder stamps the session fields onto outgoing messages.
type Builder struct {
	SessionID string
	AuthToken string
	now       func() time.Time
}

func NewBuilder(sessionID, authToken string) *Builder {
	return &Builder{SessionID: sessionID, AuthToken: authToken, now: time.Now}
}

func (b *Builder) base(t Type) Message {
	return Message{
		Version:   Version,
		Type:      t,
		SessionID: b.SessionID,
		Timestamp: b.now().UnixMilli(),
		AuthToken: b.AuthToken,
	}
}

func (b *Builder) MouseMove(x, y float64) Message {
	m := b.base(TypeMouseMove)
	m.X, m.Y = x, y
	return m
}

func (b *Builder) MouseClick(x, y float64, button, action string) Message {
	m := b.base(TypeMouseClick)
	m.X, m.Y = x, y
	m.Button = button
	m.Action = action
	return m
}

func (b *Builder) MouseWheel(dx, dy float64) Message {
	m := b.base(TypeMouseWheel)
	m.DeltaX, m.DeltaY = dx, dy
	return m
}

func (b *Builder) KeyPress(key, code, action string, modifiers ...string) Message {
	m := b.base(TypeKeyPress)
	m.Key = key
	m.Code = code
	m.Action = action
	m.Modifiers = modifiers
	return m
}

func (b *Builder) Clipboard(text string) Message {
	m := b.base(TypeClipboard)
	m.Text = text
	return m
}

func (b *Builder) Ping() Message {
	return b.base(TypePing)
}

// Pong answers ping, echoing its timestamp so the sender can measure RTT.
func (b *Builder) Pong(ping Message) Message {
	m := b.base(TypePong)
	m.Timestamp = ping.Timestamp
	return m
}

// Encode validates and serializes m.
func Encode(m Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a frame.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := Validate(m); err != nil {
		return m, err
	}
	return m, nil
}

// Validate checks the structure of a message, independent of permissions.
func Validate(m Message) error {
	if m.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidMessage, m.Version)
	}
	if m.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidMessage)
	}

	switch m.Type {
	case TypeMouseMove:
		return checkPoint(m)
	case TypeMouseClick:
		if err := checkPoint(m); err != nil {
			return err
		}
		switch m.Button {
		case "left", "right", "middle":
		default:
			return fmt.Errorf("%w: unknown button %q", ErrInvalidMessage, m.Button)
		}
		return checkAction(m.Action)
	case TypeMouseWheel:
		if m.DeltaX == 0 && m.DeltaY == 0 {
			return fmt.Errorf("%w: empty wheel delta", ErrInvalidMessage)
		}
	case TypeKeyPress:
		if m.Key == "" && m.Code == "" {
			return fmt.Errorf("%w: missing key", ErrInvalidMessage)
		}
		return checkAction(m.Action)
	case TypeClipboard:
		if len(m.Text) > maxClipboardBytes {
			return fmt.Errorf("%w: clipboard payload too large", ErrInvalidMessage)
		}
	case TypePing, TypePong:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

func checkPoint(m Message) error {
	if m.X < 0 || m.X > 1 || m.Y < 0 || m.Y > 1 {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidMessage)
	}
	return nil
}

func checkAction(action string) error {
	switch action {
	case "down", "up", "click":
		return nil
	}
	return fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, action)
}
