package services

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool hands out one token-bucket limiter per key, created on first use.
type LimiterPool struct {
	mu sync.Mutex
	m  map[string]*rate.Limiter

	rps   float64
	burst int
}

// NewLimiterPool creates a pool whose limiters allow rps requests per second with the given burst.
// Non-positive values select 5 rps and a burst of 10.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{
		m:     make(map[string]*rate.Limiter),
		rps:   rps,
		burst: burst,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// Allow reports whether a request for key may proceed now.
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
