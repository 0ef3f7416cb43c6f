package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/askben/askben/internal/pkg/errors"
)

// RateLimiter provides per-client rate limiting.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	staleAge time.Duration
	lastSeen map[string]time.Time
	exempt   map[string]bool
	done     chan struct{}
	once     sync.Once
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the rate limit per client.
	RequestsPerSecond float64
	// Burst is the maximum burst size.
	Burst int
	// CleanupInterval is how often to clean up stale clients.
	CleanupInterval time.Duration
	// ExemptPaths are never rate limited (health probes).
	ExemptPaths []string
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/healthz", "/readyz"},
	}
}

// NewRateLimiter creates a new rate limiter. Call Close to stop its cleanup goroutine.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}

	rl := &RateLimiter{
		clients:  make(map[string]*rate.Limiter),
		rate:     rate.Limit(cfg.RequestsPerSecond),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		staleAge: 5 * time.Minute,
		lastSeen: make(map[string]time.Time),
		exempt:   make(map[string]bool, len(cfg.ExemptPaths)),
		done:     make(chan struct{}),
	}
	for _, p := range cfg.ExemptPaths {
		rl.exempt[p] = true
	}

	go rl.cleanupLoop()

	return rl
}

// getLimiter returns the rate limiter for a client, creating one if needed.
func (rl *RateLimiter) getLimiter(clientIP string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lastSeen[clientIP] = time.Now()

	limiter, exists := rl.clients[clientIP]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.clients[clientIP] = limiter
	}

	return limiter
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictStale(time.Now().Add(-rl.staleAge))
		}
	}
}

func (rl *RateLimiter) evictStale(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, lastSeen := range rl.lastSeen {
		if lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			delete(rl.lastSeen, ip)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

// Allow checks if a request from the given IP should be allowed.
func (rl *RateLimiter) Allow(clientIP string) bool {
	return rl.getLimiter(clientIP).Allow()
}

// Middleware returns an HTTP middleware that applies rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		if !rl.Allow(ClientIP(r)) {
			retryAfter := 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apperrors.WriteError(w, apperrors.RateLimitedError(retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP from the request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
