package gateway

import (
	"sync"
	"time"
)

const rateWindow = 60 * time.Second

// rateLimiter enforces a sliding 60 second window per client key.
type rateLimiter struct {
	limit int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string][]time.Time
}

func newRateLimiter(limit int) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		now:     time.Now,
		clients: make(map[string][]time.Time),
	}
}

// allow records a request for key and reports whether it is within the
// limit. Timestamps older than the window are dropped as they age out.
func (l *rateLimiter) allow(key string) bool {
	now := l.now()
	cutoff := now.Add(-rateWindow)

	l.mu.Lock()
	defer l.mu.Unlock()

	times := l.clients[key]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= l.limit {
		l.clients[key] = live
		return false
	}
	l.clients[key] = append(live, now)
	return true
}

// sweep drops clients with no recent requests; called periodically so the
// map does not grow without bound.
func (l *rateLimiter) sweep() {
	cutoff := l.now().Add(-rateWindow)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, times := range l.clients {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(l.clients, key)
		}
	}
}
