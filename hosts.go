package realtime

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// sampleFallbacks returns up to n hosts picked at random without
// replacement.
func sampleFallbacks(hosts []string, n int, rng *rand.Rand) []string {
	pool := append([]string(nil), hosts...)
	if n > len(pool) {
		n = len(pool)
	}
	if n < 0 {
		n = 0
	}
	out := make([]string, 0, n)
	for len(out) < n {
		i := rng.Intn(len(pool))
		out = append(out, pool[i])
		pool[i] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	return out
}

// hostSequence is the ordered set of hosts one transport family attempt
// may still try.
type hostSequence struct {
	kind      TransportKind
	params    TransportParams
	counter   uint64
	ctx       context.Context
	fallbacks []string
	deadline  time.Time
	exhausted func(err *ErrorInfo)
}

func (s *hostSequence) next() (string, bool) {
	if len(s.fallbacks) == 0 {
		return "", false
	}
	host := s.fallbacks[0]
	s.fallbacks = s.fallbacks[1:]
	return host, true
}

// hostCache remembers a fallback host that worked so later requests go
// straight to it until it expires.
type hostCache struct {
	mu      sync.Mutex
	clock   clock
	ttl     time.Duration
	host    string
	expires time.Time
}

func newHostCache(c clock, ttl time.Duration) *hostCache {
	return &hostCache{clock: c, ttl: ttl}
}

func (c *hostCache) set(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.host = host
	c.expires = c.clock.Now().Add(c.ttl)
}

func (c *hostCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.host = ""
	c.expires = time.Time{}
}

func (c *hostCache) get() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.host == "" || !c.clock.Now().Before(c.expires) {
		c.host = ""
		return ""
	}
	return c.host
}

// transportPreference records the family that last connected.
type transportPreference struct {
	kind    TransportKind
	expires time.Time
}

func (p *transportPreference) valid(now time.Time) bool {
	return p != nil && now.Before(p.expires)
}
