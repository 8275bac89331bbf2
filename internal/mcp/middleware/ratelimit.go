package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/btouchard/beacon/internal/config"
)

// RateLimit returns middleware applying one shared token bucket across all
// clients, sized from configuration.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ipLimiter tracks a per-client bucket with its last use, so idle entries
// can be evicted.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimit returns middleware with an independent token bucket per client
// IP, for endpoints exposed to unauthenticated callers. Buckets idle for over
// ten minutes are evicted.
func IPRateLimit(requestsPerMinute, burst int) func(http.Handler) http.Handler {
	var mu sync.Mutex
	clients := make(map[string]*ipLimiter)

	get := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if len(clients) > 1000 {
			for addr, c := range clients {
				if now.Sub(c.lastSeen) > 10*time.Minute {
					delete(clients, addr)
				}
			}
		}

		c, ok := clients[ip]
		if !ok {
			c = &ipLimiter{
				limiter: rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), burst),
			}
			clients[ip] = c
		}
		c.lastSeen = now
		return c.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}
			if !get(ip).Allow() {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
