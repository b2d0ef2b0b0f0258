package peer

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// traceLimiter is a per-client token bucket in front of the route port.
// Each lookup runs a full traceroute, so a client gets perMinute of them
// and the bucket refills continuously.
type traceLimiter struct {
	perMinute       int
	mu              sync.Mutex
	buckets         map[string]*bucket
	lastCleanup     time.Time
	cleanupInterval time.Duration
	idleTTL         time.Duration
	now             func() time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func newTraceLimiter(perMinute int) *traceLimiter {
	return &traceLimiter{
		perMinute:       perMinute,
		buckets:         make(map[string]*bucket),
		lastCleanup:     time.Now(),
		cleanupInterval: 5 * time.Minute,
		idleTTL:         10 * time.Minute,
		now:             time.Now,
	}
}

// allow takes one token for ip. It returns false and the time until the
// next token when the bucket is empty.
func (l *traceLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) >= l.cleanupInterval {
		for key, b := range l.buckets {
			if now.Sub(b.lastRefill) >= l.idleTTL {
				delete(l.buckets, key)
			}
		}
		l.lastCleanup = now
	}

	capacity := float64(l.perMinute)
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: capacity, lastRefill: now}
		l.buckets[ip] = b
	}
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Minutes() * capacity
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / capacity * float64(time.Minute))
	return false, wait
}

func (l *traceLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		}
		if ok, wait := l.allow(ip); !ok {
			secs := int(wait/time.Second) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "route lookup rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
