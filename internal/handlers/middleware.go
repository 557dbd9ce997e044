package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type originSet map[string]struct{}

func newOriginSet(allowedOrigins []string) originSet {
	set := make(originSet, len(allowedOrigins))
	for _, o := range allowedOrigins {
		set[o] = struct{}{}
	}
	return set
}

// requestOrigin falls back to Sec-WebSocket-Origin for older WebSocket
// clients.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return origin
	}
	return r.Header.Get("Sec-WebSocket-Origin")
}

// OriginChecker returns a WebSocket CheckOrigin func. Requests without an
// origin (native peers such as the agent) are accepted.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	set := newOriginSet(allowedOrigins)
	return func(r *http.Request) bool {
		origin := requestOrigin(r)
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// OriginFilter creates middleware that filters requests based on allowed origins
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	set := newOriginSet(allowedOrigins)
	return func(c *gin.Context) {
		origin := requestOrigin(c.Request)
		_, allowed := set[origin]

		if !allowed && origin != "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Origin not allowed",
			})
			return
		}

		// Set CORS headers for allowed origins
		if allowed {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		// Handle preflight OPTIONS request
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
