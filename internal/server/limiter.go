package server

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiters bounds the limiter map. Instance ids are chosen by editors, so
// the map is reset rather than allowed to grow without bound.
const maxLimiters = 1024

// commandLimiters holds one token bucket per instance id.
type commandLimiters struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newCommandLimiters(limit rate.Limit, burst int) *commandLimiters {
	return &commandLimiters{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// allow reports whether instance id may queue another command now.
func (c *commandLimiters) allow(id string) bool {
	c.mu.Lock()
	l, ok := c.limiters[id]
	if !ok {
		if len(c.limiters) >= maxLimiters {
			c.limiters = make(map[string]*rate.Limiter)
		}
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[id] = l
	}
	c.mu.Unlock()
	return l.Allow()
}
