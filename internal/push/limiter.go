package push

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig configures per-channel ring push limiting.
type LimiterConfig struct {
	// Rate is the number of ring pushes allowed per second per channel.
	Rate rate.Limit
	// Burst is the maximum burst size per channel.
	Burst int
	// CleanupInterval is how often stale entries are removed.
	CleanupInterval time.Duration
	// MaxAge is how long an idle limiter is kept before eviction.
	MaxAge time.Duration
}

// DefaultLimiterConfig allows a burst of 3 rings per channel, refilling one
// every 10 seconds.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:            rate.Every(10 * time.Second),
		Burst:           3,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type limitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter rate limits ring pushes per channel so a client hammering the
// ring endpoint cannot flood every device watching the channel.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*limitEntry
	cfg     LimiterConfig
	stopCh  chan struct{}
	stop    sync.Once
}

// NewLimiter creates a limiter and starts background cleanup.
func NewLimiter(cfg LimiterConfig) *Limiter {
	l := &Limiter{
		entries: make(map[string]*limitEntry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a push for key may be sent now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	entry, ok := l.entries[key]
	if !ok {
		entry = &limitEntry{
			limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst),
		}
		l.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stop.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup removes entries that haven't been seen within MaxAge.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.MaxAge)
	removed := 0
	for key, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("push limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
