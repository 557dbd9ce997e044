package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// requestLimiter enforces a minimum interval between session requests from
// the same peer. Idle entries are evicted once they would allow a new request
// anyway.
type requestLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	peers    map[string]*rate.Limiter
	lastSeen map[string]time.Time
}

func newRequestLimiter(interval time.Duration) *requestLimiter {
	return &requestLimiter{
		interval: interval,
		peers:    make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
	}
}

func (l *requestLimiter) allow(peerID string, now time.Time) bool {
	if l.interval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.peers[peerID]
	if !ok {
		l.evict(now)
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.peers[peerID] = lim
	}
	l.lastSeen[peerID] = now
	return lim.AllowN(now, 1)
}

func (l *requestLimiter) evict(now time.Time) {
	for id, seen := range l.lastSeen {
		if now.Sub(seen) > l.interval {
			delete(l.peers, id)
			delete(l.lastSeen, id)
		}
	}
}
