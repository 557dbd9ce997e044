package control

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DataChannel is the subset of *webrtc.DataChannel used here.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// Init returns the options the initiator uses to open the control channel:
// ordered delivery with a bounded retransmission count.
func Init() *webrtc.DataChannelInit {
	ordered := true
	retransmits := uint16(MaxRetransmits)
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &retransmits,
	}
}

// Channel sends and receives control messages over one data channel.
type Channel struct {
	dc      DataChannel
	builder *Builder
	policy  Policy
	log     *zap.Logger
	moves   *Throttler[Message]
}

// NewChannel wraps dc. builder stamps outgoing messages; policy gates
// incoming ones.
func NewChannel(dc DataChannel, builder *Builder, policy Policy, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Channel{
		dc:      dc,
		builder: builder,
		policy:  policy,
		log:     logger.Named("control").With(zap.String("session_id", policy.SessionID)),
	}
	c.moves = NewThrottler(DefaultThrottleInterval, func(m Message) {
		_ = c.Send(m)
	})
	return c
}

// Builder returns the message builder bound to this channel.
func (c *Channel) Builder() *Builder { return c.builder }

// Open reports whether the channel can carry messages.
func (c *Channel) Open() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Send delivers m if the channel is open. Messages sent on a channel that is
// not open are dropped, not queued.
func (c *Channel) Send(m Message) error {
	if !c.Open() {
		c.log.Warn("dropping control message on closed channel",
			zap.String("type", string(m.Type)),
			zap.String("state", c.dc.ReadyState().String()))
		return ErrChannelNotOpen
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if err := c.dc.SendText(string(data)); err != nil {
		return fmt.Errorf("control: send failed: %w", err)
	}
	return nil
}

// MoveTo queues a pointer move through the throttler.
func (c *Channel) MoveTo(x, y float64) {
	c.moves.Push(c.builder.MouseMove(x, y))
}

// Flush sends a pending pointer move immediately.
func (c *Channel) Flush() {
	c.moves.Flush()
}

// OnMessage registers the handler for authorized incoming messages. Pings
// are answered here and also passed on.
func (c *Channel) OnMessage(handler func(Message)) {
	c.dc.OnMessage(func(raw webrtc.DataChannelMessage) {
		m, err := Decode(raw.Data)
		if err != nil {
			c.log.Warn("discarding malformed control message", zap.Error(err))
			return
		}
		if err := c.policy.Authorize(m); err != nil {
			c.log.Warn("rejected control message", zap.String("type", string(m.Type)), zap.Error(err))
			return
		}
		if m.Type == TypePing {
			if err := c.Send(c.builder.Pong(m)); err != nil {
				c.log.Debug("failed to answer ping", zap.Error(err))
			}
		}
		handler(m)
	})
}

// Close stops the throttler and closes the data channel.
func (c *Channel) Close() error {
	c.moves.Stop()
	return c.dc.Close()
}
