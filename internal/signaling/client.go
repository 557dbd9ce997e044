package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/models"
)

// Handler receives one inbound envelope. Handlers run on the read goroutine
// and must not block for long.
type Handler func(ctx context.Context, env models.Envelope)

// ClientOptions configures a Client.
type ClientOptions struct {
	URL      string
	Token    string
	DeviceID string
	Logger   *zap.Logger
	Dialer   *websocket.Dialer
	// MaxInterval caps the reconnect delay. Zero uses the backoff default.
	MaxInterval time.Duration
}

// Client is the peer side of the signaling link. It reconnects with
// exponential backoff until its context is cancelled.
type Client struct {
	opts ClientOptions
	log  *zap.Logger

	mu          sync.RWMutex
	handlers    map[models.SignalType]Handler
	onReconnect func()
	onConnect   func()

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewClient(opts ClientOptions) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{
		opts:     opts,
		log:      logger.Named("signaling").With(zap.String("device_id", opts.DeviceID)),
		handlers: make(map[models.SignalType]Handler),
	}
}

// Handle registers fn for envelopes of type t, replacing any earlier one.
func (c *Client) Handle(t models.SignalType, fn Handler) {
	c.mu.Lock()
	c.handlers[t] = fn
	c.mu.Unlock()
}

// OnConnect is called after every successful registration, including the
// first one.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// OnReconnect is called after a registration that followed a lost link.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

// Run connects, registers and dispatches envelopes until ctx is done or the
// server rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if c.opts.MaxInterval > 0 {
		b.MaxInterval = c.opts.MaxInterval
	}

	connected := false
	for {
		var conn *websocket.Conn
		err := backoff.RetryNotify(func() error {
			var err error
			conn, err = c.connect(ctx)
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.log.Warn("signaling connect failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		b.Reset()

		c.setConn(conn)
		c.log.Info("signaling connected")
		c.mu.RLock()
		onConnect, onReconnect := c.onConnect, c.onReconnect
		c.mu.RUnlock()
		if onConnect != nil {
			onConnect()
		}
		if connected && onReconnect != nil {
			onReconnect()
		}
		connected = true

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("signaling link lost", zap.Error(err))
	}
}

// connect dials and completes registration. Credential failures are
// permanent.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	q := u.Query()
	q.Set("token", c.opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(fmt.Errorf("%w: server rejected token", ErrUnauthorized))
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if err := c.write(conn, models.SignalTypeRegister, models.RegisterPayload{DeviceID: c.opts.DeviceID}); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(writeWait))
	var env models.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: no registration reply: %v", ErrTransport, err)
	}
	if env.Type != models.SignalTypeRegistered {
		conn.Close()
		return nil, backoff.Permanent(fmt.Errorf("%w: registration refused: %s", ErrUnauthorized, env.Error))
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("failed to parse message", zap.Error(err))
			continue
		}
		if env.Type == models.SignalTypeError {
			c.log.Warn("signaling server reported an error", zap.String("error", env.Error))
		}

		c.mu.RLock()
		handler := c.handlers[env.Type]
		c.mu.RUnlock()
		if handler == nil {
			c.log.Debug("no handler for message", zap.String("type", string(env.Type)))
			continue
		}
		handler(ctx, env)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Send writes one envelope. It fails with ErrTransport while disconnected;
// nothing is queued across reconnects.
func (c *Client) Send(_ context.Context, t models.SignalType, payload interface{}) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	return c.write(conn, t, payload)
}

func (c *Client) write(conn *websocket.Conn, t models.SignalType, payload interface{}) error {
	env, err := models.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// IsUnauthorized reports whether err means the credentials were rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
