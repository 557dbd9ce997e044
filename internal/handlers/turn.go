package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/internal/ice"
)

// TurnToken returns the ICE servers a peer should use, with fresh TURN
// credentials when a TURN secret is configured.
func TurnToken(provider *ice.Provider, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp, err := provider.Token()
		if err != nil {
			respondError(c, logger, err)
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, resp)
	}
}
