package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	TenantPerMinute int
	TenantBurst     int
}

// RateLimiter applies one token bucket per client IP and one per tenant.
type RateLimiter struct {
	ip     *keyedLimiter
	tenant *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ip:     newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		tenant: newKeyedLimiter(cfg.TenantPerMinute, cfg.TenantBurst),
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		tenantID, requestID := extractTenantAndRequestID(r)
		if ip := clientIP(r); ip != "" && !l.ip.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if tenantID != "" && !l.tenant.allow(tenantID) {
			w.Header().Set("Retry-After", "1")
			writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

const idleLimiterTTL = 10 * time.Minute

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
	lastGC   time.Time
	now      func() time.Time
}

type limiterEntry struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastGC) > idleLimiterTTL {
		for k, entry := range l.limiters {
			if now.Sub(entry.seen) > idleLimiterTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	entry, ok := l.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
