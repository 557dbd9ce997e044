package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleSignaling hands the request to the signaling hub, which
// authenticates the token and upgrades the connection.
func HandleSignaling(hub http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		hub.ServeHTTP(c.Writer, c.Request)
	}
}
