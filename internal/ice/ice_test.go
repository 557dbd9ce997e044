package ice

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/mossy-p/desklink/config"
)

func TestServers(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.ICEConfig
		wantCount int
		wantFirst string
	}{
		{
			name:      "default stun",
			cfg:       config.ICEConfig{},
			wantCount: 1,
			wantFirst: "stun:stun.l.google.com:19302",
		},
		{
			name:      "stun and turn",
			cfg:       config.ICEConfig{STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:b"}, TURNSecret: "s"},
			wantCount: 2,
			wantFirst: "stun:a",
		},
		{
			name:      "stun only ignores turn",
			cfg:       config.ICEConfig{Mode: ModeSTUNOnly, STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:b"}},
			wantCount: 1,
			wantFirst: "stun:a",
		},
		{
			name:      "turn only",
			cfg:       config.ICEConfig{Mode: ModeTURNOnly, STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:b"}, TURNSecret: "s"},
			wantCount: 1,
			wantFirst: "turn:b",
		},
		{
			name:      "turn only without turn falls back",
			cfg:       config.ICEConfig{Mode: ModeTURNOnly, STUNURLs: []string{"stun:a"}},
			wantCount: 1,
			wantFirst: "stun:a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			servers, err := NewProvider(tt.cfg, nil).Servers()
			if err != nil {
				t.Fatalf("Servers: %v", err)
			}
			if len(servers) != tt.wantCount {
				t.Fatalf("got %d servers, want %d: %+v", len(servers), tt.wantCount, servers)
			}
			if servers[0].URLs[0] != tt.wantFirst {
				t.Errorf("first url = %s, want %s", servers[0].URLs[0], tt.wantFirst)
			}
		})
	}
}

func TestTURNCredentials(t *testing.T) {
	p := NewProvider(config.ICEConfig{
		TURNURLs:      []string{"turn:relay.example.com:3478"},
		TURNSecret:    "shared-secret",
		CredentialTTL: time.Hour,
	}, nil)

	resp, err := p.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if resp.TTL != 3600 {
		t.Errorf("ttl = %d, want 3600", resp.TTL)
	}

	turnServer := resp.ICEServers[len(resp.ICEServers)-1]
	expiry, err := strconv.ParseInt(turnServer.Username, 10, 64)
	if err != nil {
		t.Fatalf("username %q is not an expiry timestamp: %v", turnServer.Username, err)
	}
	if d := time.Until(time.Unix(expiry, 0)); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("credential expires in %v, want about 1h", d)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(turnServer.Username))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if turnServer.Credential != want {
		t.Errorf("credential = %v, want %s", turnServer.Credential, want)
	}
}

func TestTURNWithoutSecretHasNoCredentials(t *testing.T) {
	servers, err := NewProvider(config.ICEConfig{TURNURLs: []string{"turn:b"}}, nil).Servers()
	if err != nil {
		t.Fatalf("Servers: %v", err)
	}
	if servers[1].Username != "" || servers[1].Credential != nil {
		t.Errorf("unexpected credentials %+v", servers[1])
	}
}
