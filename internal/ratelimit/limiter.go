// Package ratelimit throttles inbound admin and OAuth requests per client.
package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"token-keeper/internal/common/logging"
)

type Config struct {
	RequestsPerSecond float64       `json:"requests_per_second"`
	Burst             int           `json:"burst"`
	CleanupPeriod     time.Duration `json:"cleanup_period"`
	MaxKeys           int           `json:"max_keys"`
}

// Enabled reports whether requests are limited at all.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             20,
		CleanupPeriod:     10 * time.Minute,
		MaxKeys:           10000,
	}
}

// RateLimit is the outcome of one check.
type RateLimit struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	mu          sync.Mutex
	config      Config
	limiters    map[string]*limiterEntry
	lastCleanup time.Time
	now         func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func NewLimiter(config Config) *Limiter {
	defaults := DefaultConfig()
	if config.Burst < 1 {
		config.Burst = 1
	}
	if config.CleanupPeriod <= 0 {
		config.CleanupPeriod = defaults.CleanupPeriod
	}
	if config.MaxKeys <= 0 {
		config.MaxKeys = defaults.MaxKeys
	}

	return &Limiter{
		config:      config,
		limiters:    make(map[string]*limiterEntry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Check takes one token from key's bucket if one is available.
func (l *Limiter) Check(key string) RateLimit {
	if !l.config.Enabled() {
		return RateLimit{Allowed: true, Limit: l.config.Burst, Remaining: l.config.Burst}
	}

	now := l.now()
	limiter := l.limiterFor(key, now)

	result := RateLimit{Limit: l.config.Burst}
	if limiter.AllowN(now, 1) {
		result.Allowed = true
	} else {
		r := limiter.ReserveN(now, 1)
		result.RetryAfter = r.DelayFrom(now)
		r.CancelAt(now)
	}
	result.Remaining = int(math.Max(0, math.Floor(limiter.TokensAt(now))))
	return result
}

// ActiveKeys returns how many clients currently have a bucket.
func (l *Limiter) ActiveKeys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) limiterFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) > l.config.CleanupPeriod {
		l.cleanup(now)
	}

	entry, exists := l.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.Burst)}
		l.limiters[key] = entry
		if len(l.limiters) > l.config.MaxKeys {
			l.cleanup(now)
		}
	}
	entry.lastUsed = now
	return entry.limiter
}

// cleanup drops buckets idle for a full cleanup period.
func (l *Limiter) cleanup(now time.Time) {
	cutoff := now.Add(-l.config.CleanupPeriod)
	for key, entry := range l.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(l.limiters, key)
		}
	}
	l.lastCleanup = now
}

// HTTPMiddleware rejects requests over the limit with 429 and a Retry-After header.
func (l *Limiter) HTTPMiddleware(keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.config.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result := l.Check(key)
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", result.Limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))

			if !result.Allowed {
				seconds := int(math.Ceil(result.RetryAfter.Seconds()))
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				logging.Warn("Rate limit exceeded",
					logging.String("key", key),
					logging.String("path", r.URL.Path))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IPBasedKey keys requests by client address, preferring proxy headers.
func IPBasedKey(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		ip = r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
	}
	return fmt.Sprintf("ip:%s", ip)
}
