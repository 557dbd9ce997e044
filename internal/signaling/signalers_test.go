package signaling

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/peer"
)

type sent struct {
	typ     models.SignalType
	payload interface{}
}

type recordingSender struct {
	sent []sent
}

func (r *recordingSender) Send(_ context.Context, t models.SignalType, payload interface{}) error {
	r.sent = append(r.sent, sent{typ: t, payload: payload})
	return nil
}

func TestSessionSignaler(t *testing.T) {
	rec := &recordingSender{}
	s := &SessionSignaler{Sender: rec, SessionID: "s1", UserID: "alice", DeviceID: "dev-a", Token: "tok"}
	ctx := context.Background()

	offer := &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}
	candidate := &webrtc.ICECandidateInit{Candidate: "candidate:1"}
	if err := s.Signal(ctx, "dev-b", peer.Outbound{Kind: peer.SignalOffer, Desc: offer}); err != nil {
		t.Fatal(err)
	}
	if err := s.Signal(ctx, "dev-b", peer.Outbound{Kind: peer.SignalCandidate, Candidate: candidate}); err != nil {
		t.Fatal(err)
	}
	if err := s.Signal(ctx, "dev-b", peer.Outbound{Kind: "bogus"}); err == nil {
		t.Error("unknown kind accepted")
	}

	if len(rec.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(rec.sent))
	}
	if rec.sent[0].typ != models.SignalTypeWebRTCOffer || rec.sent[1].typ != models.SignalTypeWebRTCICE {
		t.Errorf("types = %s, %s", rec.sent[0].typ, rec.sent[1].typ)
	}
	sig := rec.sent[0].payload.(models.SessionSignal)
	want := models.SessionSignal{
		SessionID: "s1", FromUserID: "alice", FromDeviceID: "dev-a", ToDeviceID: "dev-b", SDP: "v=0 offer", Token: "tok",
	}
	if sig != want {
		t.Errorf("offer payload = %+v", sig)
	}
	if got := rec.sent[1].payload.(models.SessionSignal); got.Candidate != candidate || got.SDP != "" {
		t.Errorf("candidate payload = %+v", got)
	}
}

func TestDecodeSession(t *testing.T) {
	env, _ := models.NewEnvelope(models.SignalTypeWebRTCAnswer, models.SessionSignal{
		SessionID: "s1", FromDeviceID: "dev-b", SDP: "v=0 answer",
	})
	sig, msg, err := DecodeSession(env)
	if err != nil {
		t.Fatal(err)
	}
	if sig.FromDeviceID != "dev-b" || msg.Kind != peer.SignalAnswer {
		t.Errorf("decoded %+v, %+v", sig, msg)
	}
	if msg.Desc == nil || msg.Desc.Type != webrtc.SDPTypeAnswer || msg.Desc.SDP != "v=0 answer" {
		t.Errorf("desc = %+v", msg.Desc)
	}

	env, _ = models.NewEnvelope(models.SignalTypeWebRTCICE, models.SessionSignal{SessionID: "s1"})
	if _, _, err := DecodeSession(env); err == nil {
		t.Error("candidate message without candidate accepted")
	}
}

func TestRoomSignaler(t *testing.T) {
	rec := &recordingSender{}
	s := NewRoomSignaler(rec, "room", "dev-a")
	ctx := context.Background()

	answer := &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}
	if err := s.Signal(ctx, "dev-c", peer.Outbound{Kind: peer.SignalAnswer, Desc: answer}); err != nil {
		t.Fatal(err)
	}
	if err := s.AnnounceScreenShare(ctx, true); err != nil {
		t.Fatal(err)
	}
	if err := s.AnnounceScreenShare(ctx, false); err != nil {
		t.Fatal(err)
	}

	wantTypes := []models.SignalType{
		models.SignalTypeAnswer,
		models.SignalTypeScreenShareStarted,
		models.SignalTypeScreenShareStopped,
	}
	for i, typ := range wantTypes {
		if rec.sent[i].typ != typ {
			t.Errorf("message %d type = %s, want %s", i, rec.sent[i].typ, typ)
		}
	}
	if got := rec.sent[0].payload.(models.RoomSignal); got.RoomID != "room" || got.To != "dev-c" || got.SDP != "v=0 answer" {
		t.Errorf("answer payload = %+v", got)
	}
	if got := rec.sent[1].payload.(models.ScreenSharePayload); got != (models.ScreenSharePayload{RoomID: "room", UserID: "dev-a"}) {
		t.Errorf("share payload = %+v", got)
	}
}

func TestDecodeRoom(t *testing.T) {
	candidate := &webrtc.ICECandidateInit{Candidate: "candidate:2"}
	env, _ := models.NewEnvelope(models.SignalTypeCandidate, models.RoomSignal{RoomID: "room", From: "dev-b", Candidate: candidate})
	sig, msg, err := DecodeRoom(env)
	if err != nil {
		t.Fatal(err)
	}
	if sig.From != "dev-b" || msg.Kind != peer.SignalCandidate || msg.Candidate.Candidate != "candidate:2" {
		t.Errorf("decoded %+v, %+v", sig, msg)
	}

	env, _ = models.NewEnvelope(models.SignalTypePeerJoined, models.RoomPresence{RoomID: "room"})
	if _, _, err := DecodeRoom(env); err == nil {
		t.Error("presence message decoded as negotiation")
	}
}

func TestSessionSignalerAnnounce(t *testing.T) {
	rec := &recordingSender{}
	s := &SessionSignaler{Sender: rec, SessionID: "s1", DeviceID: "dev-b", Token: "tok"}
	if err := s.AnnounceScreenShare(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if rec.sent[0].typ != models.SignalTypeScreenShareStarted {
		t.Errorf("type = %s", rec.sent[0].typ)
	}
	want := models.ScreenSharePayload{SessionID: "s1", UserID: "dev-b", Token: "tok"}
	if got := rec.sent[0].payload.(models.ScreenSharePayload); got != want {
		t.Errorf("payload = %+v", got)
	}
}

func TestRoomSignalerSetRoomID(t *testing.T) {
	rec := &recordingSender{}
	s := NewRoomSignaler(rec, "ABC234", "dev-a")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = s.Signal(context.Background(), "dev-b", peer.Outbound{Kind: peer.SignalCandidate, Candidate: &webrtc.ICECandidateInit{}})
		}
	}()
	s.SetRoomID("room-1")
	<-done
	if s.RoomID() != "room-1" {
		t.Errorf("RoomID = %q", s.RoomID())
	}
}
