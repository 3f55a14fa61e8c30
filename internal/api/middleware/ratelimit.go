package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures keyed rate limiting for API endpoints.
type RateLimitConfig struct {
	// Rate is the number of requests allowed per second per key.
	Rate rate.Limit
	// Burst is the maximum burst size per key.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultRateLimitConfig returns the general API limit: 20 requests/second
// with a burst of 40.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(20),
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// RingRateLimitConfig returns the limit applied to call initiation: one
// ring every 5 seconds per user with a burst of 3, so a stuck call button
// cannot flood a channel with announcements.
func RingRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Every(5 * time.Second),
		Burst:           3,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedRateLimiter hands out one token bucket per key (client IP or user).
type KeyedRateLimiter struct {
	mu       sync.Mutex
	entries  map[string]*limitEntry
	cfg      RateLimitConfig
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewKeyedRateLimiter creates a limiter and starts background cleanup.
func NewKeyedRateLimiter(cfg RateLimitConfig) *KeyedRateLimiter {
	rl := &KeyedRateLimiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow checks whether a request for key is allowed.
func (rl *KeyedRateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[key]
	if !ok {
		entry = &limitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine. Safe to call twice.
func (rl *KeyedRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *KeyedRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (rl *KeyedRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for key, entry := range rl.entries {
		if !entry.lastSeen.After(cutoff) {
			delete(rl.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("api rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// KeyFunc derives the rate limit key for a request.
type KeyFunc func(r *http.Request) string

// ByIP keys requests by client address.
func ByIP(r *http.Request) string {
	return extractIP(r)
}

// ByUser keys requests by authenticated user, falling back to client
// address for anonymous requests. It must run after RequireAuth.
func ByUser(r *http.Request) string {
	if u, ok := UserFromContext(r.Context()); ok {
		return "user:" + u.ID
	}
	return extractIP(r)
}

// RateLimit returns HTTP middleware that rate limits requests by key. When
// the limit is exceeded it returns 429 Too Many Requests with a Retry-After
// header.
func RateLimit(limiter *KeyedRateLimiter, key KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			if !limiter.Allow(k) {
				slog.Warn("rate limit exceeded",
					"key", k,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the client IP address from RemoteAddr without the port.
// chi's RealIP middleware runs first when behind a reverse proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
