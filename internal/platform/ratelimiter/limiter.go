// Package ratelimiter keys golang.org/x/time/rate token buckets by caller:
// the rpc server limits per client address and user, the key server limits
// pairing initiations per username.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepInterval is the number of Take calls between idle-bucket sweeps.
const sweepInterval = 512

type Limiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   uint64
}

type bucket struct {
	tb      *rate.Limiter
	touched time.Time
}

// New limits each key to rps with the given burst. It returns nil for
// non-positive arguments; a nil *Limiter never denies.
func New(rps float64, burst int, idle time.Duration) *Limiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return build(rate.Limit(rps), burst, idle)
}

// PerWindow allows n events per key per window, refilling continuously.
func PerWindow(n int, window time.Duration) *Limiter {
	if n <= 0 || window <= 0 {
		return nil
	}
	return build(rate.Every(window/time.Duration(n)), n, window)
}

func build(limit rate.Limit, burst int, idle time.Duration) *Limiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiter{limit: limit, burst: burst, idle: idle, buckets: make(map[string]*bucket)}
}

// Take spends one token of key's bucket at now. A denied call spends nothing
// and reports how long the caller should wait before retrying.
func (l *Limiter) Take(key string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	if b == nil {
		b = &bucket{tb: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.touched = now
	if l.calls++; l.calls%sweepInterval == 0 {
		l.sweepLocked(now)
	}

	res := b.tb.ReserveN(now, 1)
	if !res.OK() {
		return false, l.idle
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

func (l *Limiter) Allow(key string, now time.Time) bool {
	ok, _ := l.Take(key, now)
	return ok
}

func (l *Limiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.touched) > l.idle {
			delete(l.buckets, k)
		}
	}
}

// Tracked reports how many keys currently hold a bucket.
func (l *Limiter) Tracked() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
