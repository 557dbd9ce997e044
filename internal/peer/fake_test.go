package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

type fakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type fakeChannel struct {
	label  string
	log    *eventLog
	mu     sync.Mutex
	closes int
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return webrtc.DataChannelStateClosed
	}
	return webrtc.DataChannelStateOpen
}

func (c *fakeChannel) SendText(string) error                         { return nil }
func (c *fakeChannel) OnOpen(func())                                 {}
func (c *fakeChannel) OnMessage(func(msg webrtc.DataChannelMessage)) {}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.log.add("channel")
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeTrack struct {
	id, stream string
	kind       webrtc.RTPCodecType
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) StreamID() string          { return t.stream }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }

// fakeRTC mimics the signaling state rules of a browser peer connection.
type fakeRTC struct {
	id  int
	log *eventLog

	mu           sync.Mutex
	signaling    webrtc.SignalingState
	hasRemote    bool
	remoteSDP    string
	offers       int
	rollbacks    int
	applied      []string
	early        int
	senders      []*fakeSender
	channels     []*fakeChannel
	closes       int
	failRemote   int
	failRollback bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(RemoteTrack)
	onChannel   func(DataChannel)
}

func (f *fakeRTC) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d-%d", f.id, f.offers)}, nil
}

func (f *fakeRTC) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("create answer: no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + f.remoteSDP}, nil
}

func (f *fakeRTC) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("set local offer in %s", f.signaling)
		}
		f.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("set local answer in %s", f.signaling)
		}
		f.signaling = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakeRTC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRemote > 0 {
		f.failRemote--
		return errors.New("malformed description")
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if f.signaling == webrtc.SignalingStateHaveLocalOffer {
			return errors.New("set remote offer in have-local-offer")
		}
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if f.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("set remote answer in %s", f.signaling)
		}
		f.signaling = webrtc.SignalingStateStable
	}
	f.hasRemote = true
	f.remoteSDP = desc.SDP
	return nil
}

func (f *fakeRTC) Rollback() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRollback {
		return errors.New("rollback not supported")
	}
	if f.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("nothing to roll back")
	}
	f.rollbacks++
	f.signaling = webrtc.SignalingStateStable
	return nil
}

func (f *fakeRTC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.hasRemote {
		f.early++
		return errors.New("no remote description")
	}
	f.applied = append(f.applied, c.Candidate)
	return nil
}

func (f *fakeRTC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeRTC) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: track}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeRTC) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeChannel{label: label, log: f.log}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeRTC) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeRTC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeRTC) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	f.onTrack = fn
	f.mu.Unlock()
}

func (f *fakeRTC) OnDataChannel(fn func(DataChannel)) {
	f.mu.Lock()
	f.onChannel = fn
	f.mu.Unlock()
}

func (f *fakeRTC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.signaling = webrtc.SignalingStateClosed
	f.log.add("pc")
	return nil
}

func (f *fakeRTC) emitState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeRTC) emitTrack(t RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(t)
}

func (f *fakeRTC) emitCandidate(c string) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	fn(webrtc.ICECandidateInit{Candidate: c})
}

func (f *fakeRTC) snapshot() fakeRTC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeRTC{
		signaling: f.signaling,
		hasRemote: f.hasRemote,
		remoteSDP: f.remoteSDP,
		offers:    f.offers,
		rollbacks: f.rollbacks,
		applied:   append([]string(nil), f.applied...),
		early:     f.early,
		senders:   append([]*fakeSender(nil), f.senders...),
		channels:  append([]*fakeChannel(nil), f.channels...),
		closes:    f.closes,
	}
}

type fakeFactory struct {
	log       *eventLog
	configure func(*fakeRTC)

	mu      sync.Mutex
	created []*fakeRTC
}

func (ff *fakeFactory) New() (RTC, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	f := &fakeRTC{id: len(ff.created) + 1, log: ff.log, signaling: webrtc.SignalingStateStable}
	if ff.configure != nil {
		ff.configure(f)
	}
	ff.created = append(ff.created, f)
	return f, nil
}

func (ff *fakeFactory) get(i int) *fakeRTC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.created[i]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.created)
}

type recorded struct {
	remote string
	msg    Outbound
}

type recorder struct {
	mu   sync.Mutex
	msgs []recorded
}

func (r *recorder) Signal(_ context.Context, remote string, msg Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, recorded{remote: remote, msg: msg})
	return nil
}

func (r *recorder) count(kind SignalKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.msg.Kind == kind {
			n++
		}
	}
	return n
}

// take returns and clears the recorded messages.
func (r *recorder) take() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.msgs
	r.msgs = nil
	return out
}

type staticTracks map[Slot]webrtc.TrackLocal

func (s staticTracks) LocalTracks() map[Slot]webrtc.TrackLocal { return s }

type harness struct {
	m       *Manager
	factory *fakeFactory
	rec     *recorder
	log     *eventLog
	states  chan webrtc.PeerConnectionState
	media   chan *RemoteMedia
}

func newHarness(t *testing.T, mode Mode, local string, tracks staticTracks) *harness {
	t.Helper()
	h := &harness{
		log:    &eventLog{},
		rec:    &recorder{},
		states: make(chan webrtc.PeerConnectionState, 16),
		media:  make(chan *RemoteMedia, 16),
	}
	h.factory = &fakeFactory{log: h.log}
	opts := Options{
		LocalID:  local,
		Mode:     mode,
		Factory:  h.factory.New,
		Signaler: h.rec,
		Hooks: Hooks{
			OnStateChange: func(_ string, s webrtc.PeerConnectionState) {
				select {
				case h.states <- s:
				default:
				}
			},
			OnRemoteMedia: func(m *RemoteMedia) { h.media <- m },
		},
	}
	if tracks != nil {
		opts.Tracks = tracks
	}
	h.m = NewManager(opts)
	t.Cleanup(h.m.CloseAll)
	return h
}

// deliver feeds everything recorded by from into to, addressed from the
// given peer id.
func deliver(t *testing.T, from *harness, fromID string, to *harness) {
	t.Helper()
	for _, r := range from.rec.take() {
		if err := to.m.HandleSignal(context.Background(), fromID, r.msg); err != nil {
			t.Fatalf("HandleSignal(%s): %v", r.msg.Kind, err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func desc(t webrtc.SDPType, sdp string) *webrtc.SessionDescription {
	return &webrtc.SessionDescription{Type: t, SDP: sdp}
}

func candidate(c string) Outbound {
	return Outbound{Kind: SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: c}}
}
