package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/control"
)

const requestQueueSize = 64

// Hooks are called from the connection goroutine. They must not block on
// the same connection.
type Hooks struct {
	OnStateChange func(remote string, state webrtc.PeerConnectionState)
	OnRemoteMedia func(media *RemoteMedia)
	OnDataChannel func(remote string, dc DataChannel)
}

// ConnectionConfig describes one connection to a remote peer.
type ConnectionConfig struct {
	Remote    string
	Initiator bool
	Polite    bool
	// RemoteSharing seeds the screen share signal received before the
	// connection existed.
	RemoteSharing bool
	Tracks        map[Slot]webrtc.TrackLocal
	Factory       Factory
	Signaler      Signaler
	Hooks         Hooks
	Logger        *zap.Logger

	onClosed func(*Connection)
}

// RemoteMedia is an incoming track attributed to a slot. Done is closed
// when the connection releases it.
type RemoteMedia struct {
	Peer  string
	Track RemoteTrack

	mu   sync.Mutex
	slot RemoteSlot
	done chan struct{}
	once sync.Once
}

func newRemoteMedia(peer string, slot RemoteSlot, track RemoteTrack) *RemoteMedia {
	return &RemoteMedia{Peer: peer, Track: track, slot: slot, done: make(chan struct{})}
}

func (m *RemoteMedia) Slot() RemoteSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slot
}

func (m *RemoteMedia) setSlot(s RemoteSlot) {
	m.mu.Lock()
	m.slot = s
	m.mu.Unlock()
}

func (m *RemoteMedia) Done() <-chan struct{} { return m.done }

func (m *RemoteMedia) release() {
	m.once.Do(func() { close(m.done) })
}

type request struct {
	ev    Event
	gen   int
	reply chan error
}

// Connection is the negotiation state machine for one remote peer. A single
// goroutine owns the peer connection; every input, whether a public call or
// a pion callback, is queued as an Event and handled in arrival order.
type Connection struct {
	remote   string
	factory  Factory
	signaler Signaler
	hooks    Hooks
	onClosed func(*Connection)
	log      *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	done     chan struct{}

	// Owned by the loop goroutine.
	rtc         RTC
	gen         int
	state       State
	senders     map[Slot]Sender
	tracks      map[Slot]webrtc.TrackLocal
	channel     DataChannel
	remoteMedia map[RemoteSlot]*RemoteMedia

	mu       sync.RWMutex
	snapshot State
}

// NewConnection builds the peer connection, attaches the initial tracks and
// starts the event loop.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rtc, err := cfg.Factory()
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		remote:      cfg.Remote,
		factory:     cfg.Factory,
		signaler:    cfg.Signaler,
		hooks:       cfg.Hooks,
		onClosed:    cfg.onClosed,
		log:         logger.With(zap.String("remote", cfg.Remote)),
		ctx:         ctx,
		cancel:      cancel,
		requests:    make(chan request, requestQueueSize),
		done:        make(chan struct{}),
		state:       NewState(cfg.Initiator, cfg.Polite),
		senders:     make(map[Slot]Sender),
		tracks:      make(map[Slot]webrtc.TrackLocal),
		remoteMedia: make(map[RemoteSlot]*RemoteMedia),
	}
	c.state.RemoteSharing = cfg.RemoteSharing
	c.snapshot = c.state

	c.bind(rtc)
	for _, slot := range Slots {
		if track := cfg.Tracks[slot]; track != nil {
			if err := c.applyTrack(slot, track); err != nil {
				cancel()
				_ = rtc.Close()
				return nil, fmt.Errorf("failed to attach %s track: %w", slot, err)
			}
		}
	}

	go c.run()
	return c, nil
}

func (c *Connection) Remote() string { return c.remote }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.done }

// State returns a snapshot of the negotiation state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Channel returns the control data channel, if one exists yet.
func (c *Connection) Channel() DataChannel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Negotiate sends an offer now, or queues one if an offer is outstanding.
func (c *Connection) Negotiate() error {
	return c.post(Negotiate{})
}

func (c *Connection) HandleOffer(desc webrtc.SessionDescription) error {
	return c.post(RemoteOffer{Desc: desc})
}

func (c *Connection) HandleAnswer(desc webrtc.SessionDescription) error {
	return c.post(RemoteAnswer{Desc: desc})
}

func (c *Connection) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	return c.post(RemoteCandidate{Candidate: candidate})
}

// SetTrack replaces the track in slot. It does not renegotiate.
func (c *Connection) SetTrack(slot Slot, track webrtc.TrackLocal) error {
	return c.post(SetTrack{Slot: slot, Track: track})
}

// SetRemoteScreenShare records the peer's screen share signal.
func (c *Connection) SetRemoteScreenShare(active bool) error {
	return c.post(RemoteScreenShare{Active: active})
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() error {
	if err := c.post(Close{}); err != nil && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (c *Connection) post(ev Event) error {
	reply := make(chan error, 1)
	select {
	case c.requests <- request{ev: ev, reply: reply}:
	case <-c.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// postAsync queues an event from a pion callback without waiting for it
// to be handled.
func (c *Connection) postAsync(ev Event, gen int) {
	select {
	case c.requests <- request{ev: ev, gen: gen}:
	case <-c.done:
	}
}

func (c *Connection) run() {
	defer close(c.done)
	for {
		req := <-c.requests
		var err error
		if req.gen == 0 || req.gen == c.gen {
			err = c.dispatch(req.ev)
		}
		if req.reply != nil {
			req.reply <- err
		}
		if c.state.Closed {
			return
		}
	}
}

// dispatch runs ev and every follow-up event its effects produce before
// returning, so no other input interleaves with a negotiation step.
func (c *Connection) dispatch(ev Event) error {
	var firstErr error
	queue := []Event{ev}
	for len(queue) > 0 {
		next, effects := Transition(c.state, queue[0])
		queue = queue[1:]
		c.state = next
		for _, eff := range effects {
			follow, err := c.execute(eff)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if follow != nil {
				queue = append(queue, follow)
			}
		}
		c.mu.Lock()
		c.snapshot = c.state
		c.mu.Unlock()
	}
	return firstErr
}

func (c *Connection) execute(eff Effect) (Event, error) {
	switch e := eff.(type) {
	case OpenChannel:
		dc, err := c.rtc.CreateDataChannel(control.Label, control.Init())
		if err != nil {
			c.log.Warn("failed to create control channel", zap.Error(err))
			return nil, err
		}
		c.adopt(dc)

	case MakeOffer:
		offer, err := c.rtc.CreateOffer()
		if err != nil {
			return c.descriptionFailed("create offer", err), err
		}
		if err := c.rtc.SetLocalDescription(offer); err != nil {
			return c.descriptionFailed("set local offer", err), err
		}
		return LocalOfferSet{Desc: offer}, nil

	case MakeAnswer:
		answer, err := c.rtc.CreateAnswer()
		if err != nil {
			return c.descriptionFailed("create answer", err), err
		}
		if err := c.rtc.SetLocalDescription(answer); err != nil {
			return c.descriptionFailed("set local answer", err), err
		}
		return LocalAnswerSet{Desc: answer}, nil

	case ApplyRemote:
		if err := c.rtc.SetRemoteDescription(e.Desc); err != nil {
			return c.descriptionFailed("set remote "+e.Desc.Type.String(), err), err
		}
		return RemoteApplied{Type: e.Desc.Type}, nil

	case Rollback:
		if err := c.rtc.Rollback(); err != nil {
			c.log.Info("rollback failed, recreating peer connection", zap.Error(err))
			if err := c.recreate(); err != nil {
				return c.descriptionFailed("recreate", err), err
			}
			return Recreated{}, nil
		}

	case AddCandidate:
		if err := c.rtc.AddICECandidate(e.Candidate); err != nil {
			c.log.Warn("failed to add ICE candidate", zap.Error(err))
		}

	case Send:
		msg := Outbound{Kind: e.Kind}
		if e.Kind == SignalCandidate {
			candidate := e.Candidate
			msg.Candidate = &candidate
		} else {
			desc := e.Desc
			msg.Desc = &desc
		}
		if err := c.signaler.Signal(c.ctx, c.remote, msg); err != nil {
			c.log.Warn("failed to send signal", zap.String("kind", string(e.Kind)), zap.Error(err))
			return nil, err
		}

	case ApplyTrack:
		if err := c.applyTrack(e.Slot, e.Track); err != nil {
			c.log.Warn("failed to apply track", zap.String("slot", string(e.Slot)), zap.Error(err))
			return nil, err
		}

	case AttachRemote:
		if old, ok := c.remoteMedia[e.Slot]; ok {
			old.release()
		}
		media := newRemoteMedia(c.remote, e.Slot, e.Track)
		c.remoteMedia[e.Slot] = media
		c.log.Debug("remote track attached", zap.String("slot", string(e.Slot)), zap.String("track_id", e.Track.ID()))
		if c.hooks.OnRemoteMedia != nil {
			c.hooks.OnRemoteMedia(media)
		}

	case Reclassify:
		c.reclassify(e.Sharing)

	case AdoptChannel:
		c.adopt(e.Channel)

	case CloseChannel:
		_ = e.Channel.Close()

	case Notify:
		c.log.Info("connection state changed", zap.String("state", e.State.String()))
		if c.hooks.OnStateChange != nil {
			c.hooks.OnStateChange(c.remote, e.State)
		}

	case Discard:
		c.log.Warn("discarded negotiation input", zap.Error(e.Err))
		return nil, e.Err

	case Teardown:
		c.teardown()
	}
	return nil, nil
}

func (c *Connection) descriptionFailed(op string, err error) Event {
	c.log.Warn("description step failed", zap.String("op", op), zap.Error(err))
	return DescriptionFailed{Op: op, Err: err, Signaling: c.rtc.SignalingState()}
}

// bind installs the pion callbacks. Events from a replaced RTC carry an old
// generation and are ignored.
func (c *Connection) bind(rtc RTC) {
	c.rtc = rtc
	c.gen++
	gen := c.gen

	rtc.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
		c.postAsync(LocalCandidate{Candidate: candidate}, gen)
	})
	rtc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.postAsync(ConnectionStateChanged{State: state}, gen)
	})
	rtc.OnTrack(func(track RemoteTrack) {
		c.postAsync(RemoteTrackAdded{Track: track}, gen)
	})
	rtc.OnDataChannel(func(dc DataChannel) {
		c.postAsync(ChannelReceived{Channel: dc}, gen)
	})
}

func (c *Connection) applyTrack(slot Slot, track webrtc.TrackLocal) error {
	if track == nil {
		delete(c.tracks, slot)
	} else {
		c.tracks[slot] = track
	}

	if sender, ok := c.senders[slot]; ok {
		if sender.Track() == track {
			return nil
		}
		return sender.ReplaceTrack(track)
	}
	if track == nil {
		return nil
	}
	sender, err := c.rtc.AddTrack(track)
	if err != nil {
		return err
	}
	c.senders[slot] = sender
	return nil
}

func (c *Connection) adopt(dc DataChannel) {
	if c.channel != nil && c.channel != dc {
		_ = c.channel.Close()
	}
	c.mu.Lock()
	c.channel = dc
	c.mu.Unlock()
	if c.hooks.OnDataChannel != nil {
		c.hooks.OnDataChannel(c.remote, dc)
	}
}

func (c *Connection) reclassify(sharing bool) {
	for _, from := range []RemoteSlot{RemoteCamera, RemoteScreen} {
		media, ok := c.remoteMedia[from]
		if !ok {
			continue
		}
		to := Classify(media.Track.Kind(), media.Track.ID(), media.Track.StreamID(), sharing)
		if to == from {
			continue
		}
		if existing, ok := c.remoteMedia[to]; ok {
			existing.release()
		}
		delete(c.remoteMedia, from)
		media.setSlot(to)
		c.remoteMedia[to] = media
		if c.hooks.OnRemoteMedia != nil {
			c.hooks.OnRemoteMedia(media)
		}
		return
	}
}

// recreate replaces the peer connection after a failed rollback. Local
// tracks are attached to the new one; remote media of the old one is
// released.
func (c *Connection) recreate() error {
	c.closeChannel()
	_ = c.rtc.Close()
	c.releaseRemote()

	rtc, err := c.factory()
	if err != nil {
		return err
	}
	c.bind(rtc)
	c.senders = make(map[Slot]Sender)
	for _, slot := range Slots {
		if track := c.tracks[slot]; track != nil {
			sender, err := rtc.AddTrack(track)
			if err != nil {
				return err
			}
			c.senders[slot] = sender
		}
	}
	return nil
}

// teardown closes the data channel, then the peer connection, releases
// remote media and finally drops the connection from its index. Local
// tracks belong to the media controller and are left running.
func (c *Connection) teardown() {
	c.cancel()
	c.closeChannel()
	if err := c.rtc.Close(); err != nil {
		c.log.Debug("peer connection close", zap.Error(err))
	}
	c.releaseRemote()
	c.senders = make(map[Slot]Sender)
	if c.onClosed != nil {
		c.onClosed(c)
	}
	c.log.Info("connection torn down")
}

func (c *Connection) closeChannel() {
	if c.channel == nil {
		return
	}
	if err := c.channel.Close(); err != nil {
		c.log.Debug("data channel close", zap.Error(err))
	}
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
}

func (c *Connection) releaseRemote() {
	for slot, media := range c.remoteMedia {
		media.release()
		delete(c.remoteMedia, slot)
	}
}
