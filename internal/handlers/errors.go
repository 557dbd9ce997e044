package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/middleware"
	"github.com/mossy-p/desklink/internal/rooms"
	"github.com/mossy-p/desklink/internal/session"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, rooms.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrForbidden), errors.Is(err, rooms.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, rooms.ErrFull):
		return http.StatusConflict
	case errors.Is(err, session.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSelfTarget):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes {"error": ...}. Internal errors are logged and their
// detail is not exposed.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(status, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// currentUser returns the user id stored by the JWT middleware.
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return "", false
	}
	return userID, true
}
