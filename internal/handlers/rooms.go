package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/models"
	"github.com/mossy-p/desklink/internal/rooms"
)

// CreateRoom creates a new room (requires authentication)
func CreateRoom(store rooms.Store, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		var req models.CreateRoomRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		room, err := store.Create(c.Request.Context(), userID, req.MaxPeers)
		if err != nil {
			respondError(c, logger, err)
			return
		}

		logger.Info("room created",
			zap.String("room_id", room.ID),
			zap.String("code", room.Code),
			zap.String("user_id", userID))

		c.JSON(http.StatusCreated, models.CreateRoomResponse{
			RoomID: room.ID,
			Code:   room.Code,
		})
	}
}

// GetRoom gets room information by code or ID (public)
func GetRoom(store rooms.Store, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := store.Get(c.Request.Context(), c.Param("roomId"))
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom deletes a room (requires authentication and creator)
func DeleteRoom(store rooms.Store, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUser(c)
		if !ok {
			return
		}

		roomID := c.Param("roomId")
		if err := store.Delete(c.Request.Context(), roomID, userID); err != nil {
			respondError(c, logger, err)
			return
		}

		logger.Info("room deleted", zap.String("room_id", roomID), zap.String("user_id", userID))
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}
