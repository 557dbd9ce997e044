package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	LogLevel       string
	AllowedOrigins []string
	JWTSecret      string
	Store          string
	Redis          RedisConfig
	Session        SessionConfig
	ICE            ICEConfig
	Agent          AgentConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// SessionConfig tunes the session registry.
type SessionConfig struct {
	TokenTTL        time.Duration // lifetime of caller/receiver tokens
	RequestInterval time.Duration // minimum spacing between requests from one peer
	RecordTTL       time.Duration // how long a record survives in the store
}

// ICEConfig describes the STUN/TURN servers handed out by the turn-token endpoint.
type ICEConfig struct {
	Mode          string // stun-turn, stun-only, turn-only
	STUNURLs      []string
	TURNURLs      []string
	TURNSecret    string
	CredentialTTL time.Duration
}

// AgentConfig is only read by cmd/agent.
type AgentConfig struct {
	SignalURL string
	DeviceID  string
	UserToken string
	// RoomID, when set, makes the agent join that meeting on startup.
	RoomID string
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	originsStr := getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	return &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AllowedOrigins: splitList(originsStr),
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Store:          getEnv("STORE", "redis"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Session: SessionConfig{
			TokenTTL:        getEnvDuration("SESSION_TOKEN_TTL", 5*time.Minute),
			RequestInterval: getEnvDuration("SESSION_REQUEST_INTERVAL", time.Second),
			RecordTTL:       getEnvDuration("SESSION_TTL", 24*time.Hour),
		},
		ICE: ICEConfig{
			Mode:          getEnv("ICE_MODE", "stun-turn"),
			STUNURLs:      splitList(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TURNURLs:      splitList(getEnv("TURN_URLS", "")),
			TURNSecret:    getEnv("TURN_SECRET", ""),
			CredentialTTL: getEnvDuration("TURN_CREDENTIAL_TTL", 12*time.Hour),
		},
		Agent: AgentConfig{
			SignalURL: getEnv("SIGNAL_URL", "ws://localhost:8080/ws"),
			DeviceID:  getEnv("DEVICE_ID", ""),
			UserToken: getEnv("USER_TOKEN", ""),
			RoomID:    getEnv("ROOM_ID", ""),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func splitList(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
