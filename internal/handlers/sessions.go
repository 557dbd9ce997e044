package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/session"
)

// DeviceDirectory resolves which user a connected device belongs to. The
// signaling hub implements it.
type DeviceDirectory interface {
	UserOf(deviceID string) (string, bool)
}

// SessionRegistry is the part of the session registry the REST API uses.
type SessionRegistry interface {
	Request(ctx context.Context, from, to models.PeerIdentity, metadata map[string]string) (*models.Session, error)
	Accept(ctx context.Context, id string, by models.PeerIdentity, perms *models.Permissions) (*session.Tokens, error)
	Reject(ctx context.Context, id string, by models.PeerIdentity) (*models.Session, error)
	Complete(ctx context.Context, id string, by models.PeerIdentity) (*models.Session, error)
	Get(ctx context.Context, id string) (*models.Session, error)
}

// Sessions serves the remote control session lifecycle under
// /api/sessions. Every route expects the JWT middleware.
type Sessions struct {
	registry SessionRegistry
	devices  DeviceDirectory
	log      *zap.Logger
}

// NewSessions builds the session handlers. devices may be nil, in which
// case device ownership is not checked.
func NewSessions(registry SessionRegistry, devices DeviceDirectory, logger *zap.Logger) *Sessions {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sessions{registry: registry, devices: devices, log: logger.Named("sessions")}
}

// Register mounts the routes on group.
func (h *Sessions) Register(group gin.IRoutes) {
	group.POST("/sessions", h.Request)
	group.GET("/sessions/:id", h.Get)
	group.POST("/sessions/:id/accept", h.Accept)
	group.POST("/sessions/:id/reject", h.Reject)
	group.POST("/sessions/:id/complete", h.Complete)
}

// owns rejects a device registered on the signaling hub by another user.
func (h *Sessions) owns(c *gin.Context, userID, deviceID string) bool {
	if h.devices == nil {
		return true
	}
	if owner, ok := h.devices.UserOf(deviceID); ok && owner != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Device belongs to another user"})
		return false
	}
	return true
}

// Request creates a session from one of the caller's devices to a target
// device.
func (h *Sessions) Request(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var req models.RequestSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !h.owns(c, userID, req.FromDeviceID) {
		return
	}

	to := models.PeerIdentity{UserID: req.ToUserID, DeviceID: req.ToDeviceID}
	if to.UserID == "" && h.devices != nil {
		to.UserID, _ = h.devices.UserOf(req.ToDeviceID)
	}
	from := models.PeerIdentity{UserID: userID, DeviceID: req.FromDeviceID}

	sess, err := h.registry.Request(c.Request.Context(), from, to, req.Metadata)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// Get returns a session to one of its participants.
func (h *Sessions) Get(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	sess, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if sess.Caller.UserID != userID && sess.Receiver.UserID != userID {
		respondError(c, h.log, session.ErrForbidden)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// action binds the common {deviceId} body and returns the acting peer.
func (h *Sessions) action(c *gin.Context) (models.SessionActionRequest, models.PeerIdentity, bool) {
	var req models.SessionActionRequest
	userID, ok := currentUser(c)
	if !ok {
		return req, models.PeerIdentity{}, false
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, models.PeerIdentity{}, false
	}
	if !h.owns(c, userID, req.DeviceID) {
		return req, models.PeerIdentity{}, false
	}
	return req, models.PeerIdentity{UserID: userID, DeviceID: req.DeviceID}, true
}

// Accept grants the session. Only the target device may accept.
func (h *Sessions) Accept(c *gin.Context) {
	req, by, ok := h.action(c)
	if !ok {
		return
	}
	tokens, err := h.registry.Accept(c.Request.Context(), c.Param("id"), by, req.Permissions)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, models.AcceptSessionResponse{
		Session:       tokens.Session,
		CallerToken:   tokens.CallerToken,
		ReceiverToken: tokens.ReceiverToken,
	})
}

func (h *Sessions) Reject(c *gin.Context) {
	_, by, ok := h.action(c)
	if !ok {
		return
	}
	sess, err := h.registry.Reject(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// Complete ends an accepted session. Either participant may complete it.
func (h *Sessions) Complete(c *gin.Context) {
	_, by, ok := h.action(c)
	if !ok {
		return
	}
	sess, err := h.registry.Complete(c.Request.Context(), c.Param("id"), by)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}
