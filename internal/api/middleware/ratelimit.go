package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter holds one token bucket per remote address.
type IPRateLimiter struct {
	ips    sync.Map
	config LimiterConfig
}

type LimiterConfig struct {
	RPS   rate.Limit
	Burst int
}

// NewIPRateLimiter creates a per-IP rate limiter.
func NewIPRateLimiter(rps rate.Limit, burst int) *IPRateLimiter {
	i := &IPRateLimiter{
		config: LimiterConfig{
			RPS:   rps,
			Burst: burst,
		},
	}

	go i.cleanupLoop()

	return i
}

// GetLimiter returns the limiter for the given IP, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	limiter, exists := i.ips.Load(ip)
	if !exists {
		newLimiter := rate.NewLimiter(i.config.RPS, i.config.Burst)
		limiter, _ = i.ips.LoadOrStore(ip, newLimiter)
	}
	return limiter.(*rate.Limiter)
}

func (i *IPRateLimiter) cleanupLoop() {
	for {
		time.Sleep(10 * time.Minute)
		// Full wipe keeps the map bounded; buckets refill on next request.
		i.ips.Range(func(key, value interface{}) bool {
			i.ips.Delete(key)
			return true
		})
	}
}

// Middleware enforces the rate limit per IP.
func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr

		limiter := i.GetLimiter(ip)
		if !limiter.Allow() {
			slog.Warn("Rate Limit Exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
