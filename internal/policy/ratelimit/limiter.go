// Package ratelimit implements a per-client token bucket for export requests.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultIdleTTL = 10 * time.Minute

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained rate per client; <= 0 disables limiting.
	RPS   float64
	Burst int
	// IdleTTL evicts clients not seen for this long.
	IdleTTL time.Duration
	// Now overrides the time source in tests.
	Now func() time.Time
}

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu        sync.Mutex
	clients   map[string]*client
	limit     rate.Limit
	burst     int
	idleTTL   time.Duration
	now       func() time.Time
	lastSweep time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		clients:   make(map[string]*client),
		limit:     limit,
		burst:     burst,
		idleTTL:   ttl,
		now:       now,
		lastSweep: now(),
	}
}

// Allow takes a token for key, reporting false when its bucket is empty.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idleTTL {
		l.sweepLocked(now)
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.seen = now
	l.mu.Unlock()
	return c.lim.AllowN(now, 1)
}

// Sweep evicts idle clients and returns how many were removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sweepLocked(l.now())
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) sweepLocked(now time.Time) int {
	removed := 0
	for key, c := range l.clients {
		if now.Sub(c.seen) >= l.idleTTL {
			delete(l.clients, key)
			removed++
		}
	}
	l.lastSweep = now
	return removed
}
