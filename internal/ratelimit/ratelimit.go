// Package ratelimit keeps one token bucket per caller.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ssd-technologies/nondominium/internal/fault"
)

// idle buckets older than this are dropped by Sweep
const idleTimeout = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits each key independently.
type Limiter struct {
	sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// New creates a Limiter allowing perSecond requests per key with bursts
// of up to burst.
func New(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow consumes a token for key, failing with fault.ErrRateLimiting when
// the bucket is empty.
func (l *Limiter) Allow(key string) error {
	l.Lock()
	defer l.Unlock()
	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	if !b.limiter.AllowN(now, 1) {
		return fault.ErrRateLimiting
	}
	return nil
}

// Sweep drops buckets idle for longer than the idle timeout and returns
// how many were removed.
func (l *Limiter) Sweep() int {
	l.Lock()
	defer l.Unlock()
	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleTimeout {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.Lock()
	defer l.Unlock()
	return len(l.buckets)
}
