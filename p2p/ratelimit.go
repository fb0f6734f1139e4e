package p2p

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func newLimiter(perSecond, burst float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if burst < perSecond {
		burst = perSecond
	}
	return rate.NewLimiter(rate.Limit(perSecond), int(burst))
}

func allow(l *rate.Limiter, now time.Time) bool {
	return l == nil || l.AllowN(now, 1)
}

// ipRateLimiter throttles inbound accepts per remote host.
type ipRateLimiter struct {
	perSecond float64
	burst     float64

	mu     sync.Mutex
	limits map[string]*rate.Limiter
}

func newIPRateLimiter(perSecond, burst float64) *ipRateLimiter {
	if perSecond <= 0 {
		return nil
	}
	return &ipRateLimiter{perSecond: perSecond, burst: burst, limits: make(map[string]*rate.Limiter)}
}

func (l *ipRateLimiter) allow(remote string, now time.Time) bool {
	if l == nil || remote == "" {
		return true
	}
	host := remote
	if h, _, err := net.SplitHostPort(remote); err == nil {
		host = h
	}
	l.mu.Lock()
	limiter := l.limits[host]
	if limiter == nil {
		limiter = newLimiter(l.perSecond, l.burst)
		l.limits[host] = limiter
	}
	l.mu.Unlock()
	return allow(limiter, now)
}
