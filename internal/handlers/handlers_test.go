package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/config"
	"github.com/mossy-p/desklink/internal/auth"
	"github.com/mossy-p/desklink/internal/ice"
	"github.com/mossy-p/desklink/internal/middleware"
	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/rooms"
	"github.com/mossy-p/desklink/internal/session"
)

type staticDirectory map[string]string

func (d staticDirectory) UserOf(deviceID string) (string, bool) {
	user, ok := d[deviceID]
	return user, ok
}

type apiEnv struct {
	router *gin.Engine
	issuer *auth.Issuer
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	issuer := auth.NewIssuer("handler-secret")
	registry := session.NewRegistry(session.NewMemoryStore(time.Hour), nil, issuer, session.Options{
		RequestInterval: time.Hour,
	})
	roomStore := rooms.NewMemoryStore(time.Hour)
	provider := ice.NewProvider(config.ICEConfig{
		Mode:       ice.ModeSTUNTURN,
		STUNURLs:   []string{"stun:stun.example.com:3478"},
		TURNURLs:   []string{"turn:turn.example.com:3478"},
		TURNSecret: "turn-secret",
	}, logger)
	devices := staticDirectory{"dev-a": "alice", "dev-b": "bob", "dev-x": "mallory"}

	router := gin.New()
	api := router.Group("/api")
	api.POST("/auth/login", Login(issuer, logger))
	api.GET("/rooms/:roomId", GetRoom(roomStore, logger))
	authed := api.Group("", middleware.JWTAuth(issuer))
	authed.POST("/rooms", CreateRoom(roomStore, logger))
	authed.DELETE("/rooms/:roomId", DeleteRoom(roomStore, logger))
	authed.GET("/turn-token", TurnToken(provider, logger))
	NewSessions(registry, devices, logger).Register(authed)

	return &apiEnv{router: router, issuer: issuer}
}

func (e *apiEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := e.issuer.IssueUserToken(user, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, want, w.Body.String())
	}
}

func TestLogin(t *testing.T) {
	e := newAPI(t)

	w := e.do(t, http.MethodPost, "/api/auth/login", "", LoginRequest{Username: "alice", Password: "pw"})
	expectCode(t, w, http.StatusOK)
	var resp LoginResponse
	decode(t, w, &resp)
	if resp.UserID != "alice" {
		t.Errorf("user_id = %q", resp.UserID)
	}
	if user, err := e.issuer.ParseUserToken(resp.Token); err != nil || user != "alice" {
		t.Errorf("token parses to %q, %v", user, err)
	}

	w = e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"username": "alice"})
	expectCode(t, w, http.StatusBadRequest)
}

func TestRoomsAPI(t *testing.T) {
	e := newAPI(t)

	expectCode(t, e.do(t, http.MethodPost, "/api/rooms", "", models.CreateRoomRequest{}), http.StatusUnauthorized)
	expectCode(t, e.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{MaxPeers: 40}), http.StatusBadRequest)

	w := e.do(t, http.MethodPost, "/api/rooms", "alice", models.CreateRoomRequest{MaxPeers: 4})
	expectCode(t, w, http.StatusCreated)
	var created models.CreateRoomResponse
	decode(t, w, &created)
	if len(created.Code) != rooms.CodeLength || created.RoomID == "" {
		t.Fatalf("created = %+v", created)
	}

	w = e.do(t, http.MethodGet, "/api/rooms/"+created.Code, "", nil)
	expectCode(t, w, http.StatusOK)
	var room models.RoomMetadata
	decode(t, w, &room)
	if room.ID != created.RoomID || room.CreatorID != "alice" || room.MaxPeers != 4 {
		t.Errorf("room = %+v", room)
	}

	expectCode(t, e.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "bob", nil), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodDelete, "/api/rooms/"+created.RoomID, "alice", nil), http.StatusOK)
	expectCode(t, e.do(t, http.MethodGet, "/api/rooms/"+created.RoomID, "", nil), http.StatusNotFound)
}

func TestSessionsAPI(t *testing.T) {
	e := newAPI(t)
	request := models.RequestSessionRequest{FromDeviceID: "dev-a", ToDeviceID: "dev-b"}

	expectCode(t, e.do(t, http.MethodPost, "/api/sessions", "alice",
		models.RequestSessionRequest{FromDeviceID: "dev-x", ToDeviceID: "dev-b"}), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodPost, "/api/sessions", "alice",
		models.RequestSessionRequest{FromDeviceID: "dev-a", ToDeviceID: "dev-a"}), http.StatusBadRequest)

	w := e.do(t, http.MethodPost, "/api/sessions", "alice", request)
	expectCode(t, w, http.StatusCreated)
	var sess models.Session
	decode(t, w, &sess)
	if sess.Status != models.SessionRequested || sess.Receiver.UserID != "bob" || sess.Caller.UserID != "alice" {
		t.Fatalf("session = %+v", sess)
	}
	expectCode(t, e.do(t, http.MethodPost, "/api/sessions", "alice", request), http.StatusTooManyRequests)

	path := "/api/sessions/" + sess.ID
	expectCode(t, e.do(t, http.MethodGet, path, "carol", nil), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodGet, path, "alice", nil), http.StatusOK)

	// Only the target device may accept.
	expectCode(t, e.do(t, http.MethodPost, path+"/accept", "alice", models.SessionActionRequest{DeviceID: "dev-a"}), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodPost, path+"/accept", "alice", models.SessionActionRequest{DeviceID: "dev-b"}), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodPost, path+"/accept", "bob", map[string]string{}), http.StatusBadRequest)

	perms := models.Permissions{AllowControl: true}
	w = e.do(t, http.MethodPost, path+"/accept", "bob", models.SessionActionRequest{DeviceID: "dev-b", Permissions: &perms})
	expectCode(t, w, http.StatusOK)
	var accepted models.AcceptSessionResponse
	decode(t, w, &accepted)
	if accepted.Session.Status != models.SessionAccepted || !accepted.Session.Permissions.AllowControl {
		t.Errorf("accepted session = %+v", accepted.Session)
	}
	if _, err := e.issuer.VerifySessionToken(accepted.CallerToken, sess.ID, "dev-a"); err != nil {
		t.Errorf("caller token: %v", err)
	}
	if _, err := e.issuer.VerifySessionToken(accepted.ReceiverToken, sess.ID, "dev-b"); err != nil {
		t.Errorf("receiver token: %v", err)
	}

	expectCode(t, e.do(t, http.MethodPost, path+"/accept", "bob", models.SessionActionRequest{DeviceID: "dev-b"}), http.StatusConflict)
	expectCode(t, e.do(t, http.MethodPost, path+"/reject", "bob", models.SessionActionRequest{DeviceID: "dev-b"}), http.StatusConflict)

	w = e.do(t, http.MethodPost, path+"/complete", "alice", models.SessionActionRequest{DeviceID: "dev-a"})
	expectCode(t, w, http.StatusOK)
	decode(t, w, &sess)
	if sess.Status != models.SessionEnded || sess.EndedBy != "dev-a" {
		t.Errorf("completed session = %+v", sess)
	}
	expectCode(t, e.do(t, http.MethodGet, path, "alice", nil), http.StatusNotFound)
}

func TestRejectSession(t *testing.T) {
	e := newAPI(t)
	w := e.do(t, http.MethodPost, "/api/sessions", "alice", models.RequestSessionRequest{FromDeviceID: "dev-a", ToDeviceID: "dev-b"})
	expectCode(t, w, http.StatusCreated)
	var sess models.Session
	decode(t, w, &sess)

	w = e.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/reject", "bob", models.SessionActionRequest{DeviceID: "dev-b"})
	expectCode(t, w, http.StatusOK)
	decode(t, w, &sess)
	if sess.Status != models.SessionRejected {
		t.Errorf("status = %s", sess.Status)
	}
	expectCode(t, e.do(t, http.MethodPost, "/api/sessions/missing/reject", "bob", models.SessionActionRequest{DeviceID: "dev-b"}), http.StatusNotFound)
}

func TestAcceptOfflineDeviceOfAnotherUser(t *testing.T) {
	e := newAPI(t)
	w := e.do(t, http.MethodPost, "/api/sessions", "alice",
		models.RequestSessionRequest{FromDeviceID: "dev-a", ToDeviceID: "dev-z", ToUserID: "zoe"})
	expectCode(t, w, http.StatusCreated)
	var sess models.Session
	decode(t, w, &sess)
	path := "/api/sessions/" + sess.ID

	w = e.do(t, http.MethodPost, path+"/accept", "mallory", models.SessionActionRequest{DeviceID: "dev-z"})
	expectCode(t, w, http.StatusForbidden)
	if bytes.Contains(w.Body.Bytes(), []byte("Token")) {
		t.Errorf("forbidden accept leaked tokens: %s", w.Body.String())
	}
	expectCode(t, e.do(t, http.MethodPost, path+"/reject", "mallory", models.SessionActionRequest{DeviceID: "dev-z"}), http.StatusForbidden)
	expectCode(t, e.do(t, http.MethodPost, path+"/accept", "zoe", models.SessionActionRequest{DeviceID: "dev-z"}), http.StatusOK)
}

func TestTurnToken(t *testing.T) {
	e := newAPI(t)
	expectCode(t, e.do(t, http.MethodGet, "/api/turn-token", "", nil), http.StatusUnauthorized)

	w := e.do(t, http.MethodGet, "/api/turn-token", "alice", nil)
	expectCode(t, w, http.StatusOK)
	if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}
	var resp ice.Response
	decode(t, w, &resp)
	if len(resp.ICEServers) != 2 {
		t.Fatalf("servers = %+v", resp.ICEServers)
	}
	turnServer := resp.ICEServers[1]
	if turnServer.Username == "" || turnServer.Credential == nil {
		t.Errorf("TURN server without credentials: %+v", turnServer)
	}
	if resp.TTL <= 0 {
		t.Errorf("ttl = %d", resp.TTL)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{session.ErrNotFound, http.StatusNotFound},
		{rooms.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", session.ErrForbidden), http.StatusForbidden},
		{rooms.ErrForbidden, http.StatusForbidden},
		{session.ErrInvalidState, http.StatusConflict},
		{rooms.ErrFull, http.StatusConflict},
		{session.ErrRateLimited, http.StatusTooManyRequests},
		{session.ErrSelfTarget, http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusOf(tc.err); got != tc.want {
			t.Errorf("statusOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
