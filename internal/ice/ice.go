// Package ice builds the ICE server list handed to peers by the turn-token
// endpoint and used by the agent's peer connections.
package ice

import (
	"fmt"
	"strings"
	"time"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mossy-p/desklink/config"
)

const (
	ModeSTUNTURN = "stun-turn"
	ModeSTUNOnly = "stun-only"
	ModeTURNOnly = "turn-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Provider hands out ICE servers. TURN entries carry time-limited
// credentials derived from the shared secret (TURN REST API scheme).
type Provider struct {
	mode     string
	stunURLs []string
	turnURLs []string
	secret   string
	ttl      time.Duration
	log      *zap.Logger
}

// Response is the body of GET /api/turn-token.
type Response struct {
	ICEServers []webrtc.ICEServer `json:"iceServers"`
	TTL        int64              `json:"ttl"`
	Mode       string             `json:"mode"`
}

func NewProvider(cfg config.ICEConfig, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = ModeSTUNTURN
	}
	ttl := cfg.CredentialTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	p := &Provider{
		mode:     mode,
		stunURLs: cfg.STUNURLs,
		turnURLs: cfg.TURNURLs,
		secret:   cfg.TURNSecret,
		ttl:      ttl,
		log:      logger.Named("ice"),
	}
	if len(p.stunURLs) == 0 {
		p.stunURLs = defaultSTUN
	}
	if p.mode != ModeSTUNOnly && len(p.turnURLs) == 0 {
		p.log.Info("TURN not configured; set TURN_URLS and TURN_SECRET for relay fallback")
	}
	return p
}

// Servers returns the ICE servers for one request. STUN is included unless
// the mode is turn-only with TURN available.
func (p *Provider) Servers() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	turnOnly := p.mode == ModeTURNOnly
	stunOnly := p.mode == ModeSTUNOnly

	if !stunOnly && len(p.turnURLs) > 0 {
		server := webrtc.ICEServer{URLs: p.turnURLs}
		if p.secret != "" {
			username, password, err := turn.GenerateLongTermCredentials(p.secret, p.ttl)
			if err != nil {
				return nil, fmt.Errorf("failed to generate TURN credentials: %w", err)
			}
			server.Username = username
			server.Credential = password
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}

	if !turnOnly || len(servers) == 0 {
		if turnOnly {
			p.log.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to STUN")
		}
		servers = append([]webrtc.ICEServer{{URLs: p.stunURLs}}, servers...)
	}
	return servers, nil
}

// Token builds the turn-token response.
func (p *Provider) Token() (*Response, error) {
	servers, err := p.Servers()
	if err != nil {
		return nil, err
	}
	return &Response{
		ICEServers: servers,
		TTL:        int64(p.ttl / time.Second),
		Mode:       p.mode,
	}, nil
}

// Configuration wraps Servers into a pion configuration.
func (p *Provider) Configuration() (webrtc.Configuration, error) {
	servers, err := p.Servers()
	if err != nil {
		return webrtc.Configuration{}, err
	}
	return webrtc.Configuration{ICEServers: servers}, nil
}
