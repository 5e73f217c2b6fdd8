package gateway

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// loginBucket is a token bucket for one client address. Tokens refill
// continuously at rate per second up to capacity.
type loginBucket struct {
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

// take refills the bucket up to now and consumes a token if one is there.
// When it refuses, it also reports how long until the next token.
func (b *loginBucket) take(now time.Time, rate, capacity float64) (bool, time.Duration) {
	b.tokens = math.Min(capacity, b.tokens+now.Sub(b.lastRefill).Seconds()*rate)
	b.lastRefill = now
	b.lastSeen = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rate * float64(time.Second))
	return false, wait
}

// LoginLimiter throttles POST /login per client IP. Each address may try
// perMinute times in a burst, then one attempt per 60/perMinute seconds.
type LoginLimiter struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	buckets  map[string]*loginBucket
	now      func() time.Time
}

func NewLoginLimiter(perMinute int) *LoginLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	return &LoginLimiter{
		rate:     float64(perMinute) / 60,
		capacity: float64(perMinute),
		buckets:  make(map[string]*loginBucket),
		now:      time.Now,
	}
}

// Allow consumes an attempt for the request's client IP. A refused attempt
// comes with the delay the client should put in Retry-After.
func (l *LoginLimiter) Allow(r *http.Request) (bool, time.Duration) {
	ip := clientIP(r)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &loginBucket{tokens: l.capacity, lastRefill: now}
		l.buckets[ip] = b
	}
	return b.take(now, l.rate, l.capacity)
}

// StartEviction drops idle buckets every interval until ctx is cancelled.
func (l *LoginLimiter) StartEviction(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.EvictStale(maxIdle); n > 0 {
					slog.Debug("login limiter eviction", "evicted", n, "remaining", l.BucketCount())
				}
			}
		}
	}()
}

// EvictStale removes buckets idle for longer than maxIdle and returns how
// many went. An evicted client starts over with a full bucket.
func (l *LoginLimiter) EvictStale(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for ip, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, ip)
			evicted++
		}
	}
	return evicted
}

func (l *LoginLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
