// Package peer drives WebRTC peer connections through offer/answer, ICE
// candidate exchange, renegotiation and teardown.
//
// Each remote peer gets one Connection whose negotiation rules live in the
// pure Transition function. A Manager indexes connections by remote id and
// guarantees at most one live connection per peer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Mode selects the glare tie-break rule.
type Mode int

const (
	// ModeDirect is a 1:1 session: the receiver is the polite peer.
	ModeDirect Mode = iota
	// ModeMesh is a meeting: the peer with the greater id is polite.
	ModeMesh
)

// Options configures a Manager.
type Options struct {
	LocalID  string
	Mode     Mode
	Factory  Factory
	Signaler Signaler
	Tracks   TrackSource
	Hooks    Hooks
	Logger   *zap.Logger
}

// Manager owns the connections of the local peer.
type Manager struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	conns   map[string]*Connection
	sharing map[string]bool
	// removed holds remotes whose connection was torn down. Their late
	// candidates are dropped until Connect or an offer brings them back.
	removed map[string]bool

	// renegotiating serializes RenegotiateAll so peers are offered one at a
	// time.
	renegotiating sync.Mutex
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		log:     logger.Named("peer").With(zap.String("local", opts.LocalID)),
		conns:   make(map[string]*Connection),
		sharing: make(map[string]bool),
		removed: make(map[string]bool),
	}
}

// Polite reports the tie-break role towards remote.
func (m *Manager) Polite(remote string, initiator bool) bool {
	if m.opts.Mode == ModeMesh {
		return m.opts.LocalID > remote
	}
	return !initiator
}

// GetOrCreate returns the live connection to remote, creating one if none
// exists. An existing open connection is always reused.
func (m *Manager) GetOrCreate(remote string, initiator bool) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.removed, remote)

	if c, ok := m.conns[remote]; ok {
		select {
		case <-c.Done():
		default:
			return c, nil
		}
		delete(m.conns, remote)
	}

	var tracks map[Slot]webrtc.TrackLocal
	if m.opts.Tracks != nil {
		tracks = m.opts.Tracks.LocalTracks()
	}
	c, err := NewConnection(ConnectionConfig{
		Remote:        remote,
		Initiator:     initiator,
		Polite:        m.Polite(remote, initiator),
		RemoteSharing: m.sharing[remote],
		Tracks:        tracks,
		Factory:       m.opts.Factory,
		Signaler:      m.opts.Signaler,
		Hooks:         m.opts.Hooks,
		Logger:        m.log,
		onClosed:      m.forget,
	})
	if err != nil {
		return nil, err
	}
	m.conns[remote] = c
	m.log.Info("connection created",
		zap.String("remote", remote),
		zap.Bool("initiator", initiator),
		zap.Bool("polite", c.State().Polite))
	return c, nil
}

func (m *Manager) forget(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.conns[c.Remote()]; ok && cur == c {
		delete(m.conns, c.Remote())
		m.removed[c.Remote()] = true
	}
}

// acceptsCandidate reports whether a candidate from remote may be applied.
// Unknown peers are only admitted in direct mode, where the caller's
// candidates can overtake its offer, and never after a teardown.
func (m *Manager) acceptsCandidate(remote string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[remote]; ok {
		return true
	}
	return m.opts.Mode == ModeDirect && !m.removed[remote]
}

// Get returns the live connection to remote.
func (m *Manager) Get(remote string) (*Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[remote]
	return c, ok
}

// Remotes returns the ids of all indexed connections in sorted order.
func (m *Manager) Remotes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) snapshot() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].Remote() < conns[j].Remote() })
	return conns
}

// Connect runs the initiator path towards remote: create or reuse the
// connection and send an offer.
func (m *Manager) Connect(remote string) (*Connection, error) {
	c, err := m.GetOrCreate(remote, true)
	if err != nil {
		return nil, err
	}
	if err := c.Negotiate(); err != nil {
		return c, err
	}
	return c, nil
}

// Prepare creates the responder side of a connection so early candidates
// can be buffered before the offer arrives.
func (m *Manager) Prepare(remote string) (*Connection, error) {
	return m.GetOrCreate(remote, false)
}

// HandleSignal applies an inbound message from remote. Offers from unknown
// peers create a responder connection, as do candidates in direct mode.
// Answers from unknown peers are dropped, and so are candidates in mesh mode
// or from a peer whose connection was removed. Negotiation races are logged
// and not returned.
func (m *Manager) HandleSignal(_ context.Context, remote string, msg Outbound) error {
	var err error
	switch msg.Kind {
	case SignalOffer:
		if msg.Desc == nil {
			return fmt.Errorf("offer from %s without description", remote)
		}
		var c *Connection
		if c, err = m.GetOrCreate(remote, false); err == nil {
			err = c.HandleOffer(*msg.Desc)
		}
	case SignalAnswer:
		if msg.Desc == nil {
			return fmt.Errorf("answer from %s without description", remote)
		}
		c, ok := m.Get(remote)
		if !ok {
			m.log.Warn("answer from unknown peer", zap.String("remote", remote))
			return nil
		}
		err = c.HandleAnswer(*msg.Desc)
	case SignalCandidate:
		if msg.Candidate == nil {
			return nil
		}
		if !m.acceptsCandidate(remote) {
			m.log.Warn("candidate from unknown peer", zap.String("remote", remote))
			return nil
		}
		var c *Connection
		if c, err = m.GetOrCreate(remote, false); err == nil {
			err = c.HandleCandidate(*msg.Candidate)
		}
	default:
		return fmt.Errorf("unknown signal kind %q", msg.Kind)
	}

	if errors.Is(err, ErrNegotiationRace) {
		return nil
	}
	return err
}

// MarkScreenShare records the out-of-band screen share signal from remote.
// It is kept for connections created later.
func (m *Manager) MarkScreenShare(remote string, active bool) error {
	m.mu.Lock()
	if active {
		m.sharing[remote] = true
	} else {
		delete(m.sharing, remote)
	}
	c, ok := m.conns[remote]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return c.SetRemoteScreenShare(active)
}

// SetTrack replaces the track in slot on every live connection.
func (m *Manager) SetTrack(slot Slot, track webrtc.TrackLocal) error {
	var errs []error
	for _, c := range m.snapshot() {
		if err := c.SetTrack(slot, track); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Remote(), err))
		}
	}
	return errors.Join(errs...)
}

// RenegotiateAll asks every connection for a fresh offer, one peer at a
// time. Connections that are not stable queue a single offer for later.
func (m *Manager) RenegotiateAll() error {
	m.renegotiating.Lock()
	defer m.renegotiating.Unlock()

	var errs []error
	for _, c := range m.snapshot() {
		if !c.State().Negotiated && !c.State().Initiator {
			continue
		}
		if err := c.Negotiate(); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Remote(), err))
		}
	}
	return errors.Join(errs...)
}

// Remove tears down the connection to remote.
func (m *Manager) Remove(remote string) error {
	m.mu.Lock()
	c, ok := m.conns[remote]
	delete(m.sharing, remote)
	m.removed[remote] = true
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// Prune closes every connection that is not currently connected and
// returns their remote ids. It is used after the signaling link has been
// re-established: connected peers keep their media path, the others are
// left for the session layer to re-request.
func (m *Manager) Prune() []string {
	var pruned []string
	for _, c := range m.snapshot() {
		if c.State().Connection == webrtc.PeerConnectionStateConnected {
			continue
		}
		_ = c.Close()
		pruned = append(pruned, c.Remote())
	}
	if len(pruned) > 0 {
		m.log.Info("pruned connections", zap.Strings("remotes", pruned))
	}
	return pruned
}

// CloseAll tears down every connection.
func (m *Manager) CloseAll() {
	for _, c := range m.snapshot() {
		_ = c.Close()
	}
}
