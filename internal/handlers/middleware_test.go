package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestOriginFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(OriginFilter([]string{"http://localhost:5173"}))
	router.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name     string
		method   string
		header   string
		origin   string
		wantCode int
		wantCORS bool
	}{
		{"allowed", http.MethodGet, "Origin", "http://localhost:5173", http.StatusOK, true},
		{"websocket origin", http.MethodGet, "Sec-WebSocket-Origin", "http://localhost:5173", http.StatusOK, true},
		{"rejected", http.MethodGet, "Origin", "http://evil.example", http.StatusForbidden, false},
		{"no origin", http.MethodGet, "", "", http.StatusOK, false},
		{"preflight", http.MethodOptions, "Origin", "http://localhost:5173", http.StatusNoContent, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/health", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.origin)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tc.wantCode {
				t.Fatalf("code = %d, want %d", w.Code, tc.wantCode)
			}
			got := w.Header().Get("Access-Control-Allow-Origin")
			if tc.wantCORS && got != tc.origin {
				t.Errorf("Access-Control-Allow-Origin = %q", got)
			}
			if !tc.wantCORS && got != "" {
				t.Errorf("unexpected CORS header %q", got)
			}
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := OriginChecker([]string{"https://app.example"})
	for origin, want := range map[string]bool{
		"":                    true,
		"https://app.example": true,
		"https://other.test":  false,
	} {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if got := check(req); got != want {
			t.Errorf("origin %q: got %v, want %v", origin, got, want)
		}
	}
}
