package ingress

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of tracked limiter keys. The listener is
// loopback-only, but a runaway local client should still not grow the map
// without bound.
const maxTrackedKeys = 4096

// Limiter applies a per-key requests-per-minute cap. Safe for concurrent
// use. A non-positive rpm disables limiting.
type Limiter struct {
	rpm     int
	mu      sync.Mutex
	entries map[string]*rate.Limiter
}

// NewLimiter creates a limiter allowing rpm requests per minute per key,
// with a burst of rpm.
func NewLimiter(rpm int) *Limiter {
	return &Limiter{rpm: rpm, entries: make(map[string]*rate.Limiter)}
}

// Allow reports whether the key may proceed.
func (l *Limiter) Allow(key string) bool {
	if l.rpm <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxTrackedKeys {
			for k := range l.entries {
				delete(l.entries, k)
				break
			}
		}
		lim = rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.rpm)
		l.entries[key] = lim
	}
	return lim.Allow()
}
