package statusapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitConfig configures per-IP rate limiting for the status surface.
// The default is generous since this is a LAN-facing read-only API, not a
// public one, but an unbounded /status/sync poller is still worth capping.
type rateLimitConfig struct {
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// rateLimitConfigFrom builds a rateLimitConfig from the daemon's configured
// requests/sec and burst size; cleanupInterval/maxAge stay fixed since
// nothing about this daemon's traffic pattern argues for tuning them
// separately from the rate itself.
func rateLimitConfigFrom(ratePerSec, burst int) rateLimitConfig {
	return rateLimitConfig{
		rate:            rate.Limit(ratePerSec),
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxAge:          10 * time.Minute,
	}
}

type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter tracks one token-bucket limiter per client IP, evicting
// idle entries so long-running daemons don't accumulate one entry per
// address seen since boot.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimitEntry
	cfg     rateLimitConfig
	stopCh  chan struct{}
}

func newIPRateLimiter(cfg rateLimitConfig) *ipRateLimiter {
	rl := &ipRateLimiter{
		entries: make(map[string]*ipLimitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimitEntry{limiter: rate.NewLimiter(rl.cfg.rate, rl.cfg.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()
	return entry.limiter.Allow()
}

func (rl *ipRateLimiter) stop() {
	close(rl.stopCh)
}

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.cfg.maxAge)
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

// rateLimit returns middleware that rejects a client IP with 429 once it
// exceeds limiter's configured rate.
func rateLimit(limiter *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.allow(ip) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
