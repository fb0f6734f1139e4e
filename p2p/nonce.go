package p2p

import (
	"sync"
	"time"
)

const defaultNonceGuardMaxEntries = 16 * 1024

// nonceGuard remembers handshake nonces per node for a sliding window so a
// captured hello cannot be replayed.
type nonceGuard struct {
	window time.Duration
	max    int

	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceGuard(window time.Duration) *nonceGuard {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &nonceGuard{window: window, max: defaultNonceGuardMaxEntries, seen: make(map[string]time.Time)}
}

// Remember records the pair and reports false if it was already seen inside
// the window.
func (g *nonceGuard) Remember(nodeID, nonce string, now time.Time) bool {
	if nonce == "" {
		return false
	}
	key := nodeID + "/" + nonce
	g.mu.Lock()
	defer g.mu.Unlock()
	if at, ok := g.seen[key]; ok && now.Sub(at) <= g.window {
		return false
	}
	if len(g.seen) >= g.max {
		g.pruneLocked(now)
	}
	g.seen[key] = now
	return true
}

func (g *nonceGuard) pruneLocked(now time.Time) {
	for key, at := range g.seen {
		if now.Sub(at) > g.window {
			delete(g.seen, key)
		}
	}
	// still full: drop arbitrary entries rather than grow without bound
	for key := range g.seen {
		if len(g.seen) < g.max {
			break
		}
		delete(g.seen, key)
	}
}
