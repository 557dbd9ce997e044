package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("SESSION_REQUEST_INTERVAL", "")
	t.Setenv("TURN_URLS", "")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.Session.RequestInterval != time.Second {
		t.Errorf("RequestInterval = %v, want 1s", cfg.Session.RequestInterval)
	}
	if cfg.Session.TokenTTL != 5*time.Minute {
		t.Errorf("TokenTTL = %v, want 5m", cfg.Session.TokenTTL)
	}
	if len(cfg.ICE.TURNURLs) != 0 {
		t.Errorf("TURNURLs = %v, want empty", cfg.ICE.TURNURLs)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v, want 2 entries", cfg.AllowedOrigins)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("SESSION_TOKEN_TTL", "90s")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("TURN_URLS", "turn:turn.example:3478?transport=udp,turns:turn.example:5349")

	cfg := Load()
	if got := cfg.AllowedOrigins; len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", got)
	}
	if cfg.Session.TokenTTL != 90*time.Second {
		t.Errorf("TokenTTL = %v, want 90s", cfg.Session.TokenTTL)
	}
	if cfg.Redis.DB != 3 {
		t.Errorf("Redis.DB = %d, want 3", cfg.Redis.DB)
	}
	if len(cfg.ICE.TURNURLs) != 2 {
		t.Errorf("TURNURLs = %v, want 2 entries", cfg.ICE.TURNURLs)
	}
}

func TestLoadIgnoresInvalidDuration(t *testing.T) {
	t.Setenv("SESSION_TTL", "forever")
	if got := Load().Session.RecordTTL; got != 24*time.Hour {
		t.Errorf("RecordTTL = %v, want 24h", got)
	}
}
