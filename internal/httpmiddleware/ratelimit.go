package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const pruneInterval = 10 * time.Minute

// IPRateLimiter is an in-memory token bucket keyed by client IP. The server
// runs two instances: a generous one on the device webhook and a stricter one
// on the admin API, so a chatty reader fleet and a misbehaving dashboard
// cannot starve each other.
type IPRateLimiter struct {
	capacity int
	perMin   int

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastPrune time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewIPRateLimiter creates a limiter holding capacity tokens per IP, refilled
// at perMinute.
func NewIPRateLimiter(capacity, perMinute int) *IPRateLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &IPRateLimiter{
		capacity:  capacity,
		perMin:    perMinute,
		buckets:   make(map[string]*bucket),
		lastPrune: time.Now(),
	}
}

// GinMiddleware returns a handler that rejects over-limit clients with 429.
func (l *IPRateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

func (l *IPRateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastPrune) > pruneInterval {
		l.prune(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.perMin))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// prune drops buckets idle long enough to be full again. Devices roam across
// DHCP leases, so the key space grows without this. Caller holds the lock.
func (l *IPRateLimiter) prune(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last) > pruneInterval {
			delete(l.buckets, key)
		}
	}
	l.lastPrune = now
}
