// Package ratelimit implements per-connection admission control for the
// readiness-loop server variants, adapted from the teacher's per-query
// token-bucket rate limiter: the unit being throttled here is an accepted
// TCP connection, not an application-level request.
package ratelimit

import (
	"fmt"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/jroosing/frameecho/internal/config"
)

// Limiter combines global, prefix, and per-IP admission control.
// A connection must pass all three levels to be admitted.
type Limiter struct {
	global *TokenBucket // Server-wide connection rate limit
	prefix *TokenBucket // Per network prefix connection rate limit
	ip     *TokenBucket // Per source IP connection rate limit
}

// NewFromConfig builds a Limiter from the loaded rate_limit config section.
func NewFromConfig(cfg config.RateLimitConfig) *Limiter {
	cleanupInterval := time.Duration(math.Max(0.0, cfg.CleanupSeconds) * float64(time.Second))
	if cleanupInterval <= 0 {
		cleanupInterval = 60 * time.Second
	}

	return &Limiter{
		global: NewTokenBucket(TokenBucketConfig{Rate: cfg.GlobalCPS, Burst: cfg.GlobalBurst, CleanupInterval: cleanupInterval, MaxEntries: 1}),
		prefix: NewTokenBucket(TokenBucketConfig{Rate: cfg.PrefixCPS, Burst: cfg.PrefixBurst, CleanupInterval: cleanupInterval, MaxEntries: cfg.MaxPrefixEntries}),
		ip:     NewTokenBucket(TokenBucketConfig{Rate: cfg.IPCPS, Burst: cfg.IPBurst, CleanupInterval: cleanupInterval, MaxEntries: cfg.MaxIPEntries}),
	}
}

// AllowAddr reports whether a new connection from ip should be admitted.
// Checked in order global -> prefix -> IP, failing fast on the first level
// that denies so later buckets aren't charged for a connection that would be
// rejected anyway.
func (l *Limiter) AllowAddr(ip netip.Addr) bool {
	if l == nil {
		return true
	}
	if !l.global.Allow("*") {
		return false
	}
	if !l.prefix.Allow(prefixKeyFromAddr(ip)) {
		return false
	}
	if !l.ip.Allow(ip.String()) {
		return false
	}
	return true
}

// AllowString is a convenience wrapper for callers holding a plain IP string
// (e.g. from netutil.IPString on a raw sockaddr).
func (l *Limiter) AllowString(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		// Unparseable source address: fail open, matching the reference
		// servers' unconditional accept when admission control is disabled.
		return true
	}
	return l.AllowAddr(addr)
}

// prefixKeyFromAddr returns the prefix key for a netip.Addr: /24 for IPv4,
// /64 for IPv6.
func prefixKeyFromAddr(ip netip.Addr) string {
	if ip.Is4() {
		prefix, _ := ip.Prefix(24)
		return prefix.String()
	}
	prefix, _ := ip.Prefix(64)
	return prefix.String()
}

// Summary returns a human-readable one-line description of the configured
// limits, for startup logging.
func Summary(cfg config.RateLimitConfig) string {
	fmtLimiter := func(name string, rate float64, burst int) string {
		if rate <= 0.0 || burst <= 0 {
			return name + "=disabled"
		}
		return fmt.Sprintf("%s=%gcps/%d", name, rate, burst)
	}
	return fmt.Sprintf(
		"%s %s %s cleanup_s=%g max_ip=%d max_prefix=%d",
		fmtLimiter("global", cfg.GlobalCPS, cfg.GlobalBurst),
		fmtLimiter("prefix", cfg.PrefixCPS, cfg.PrefixBurst),
		fmtLimiter("ip", cfg.IPCPS, cfg.IPBurst),
		cfg.CleanupSeconds,
		cfg.MaxIPEntries,
		cfg.MaxPrefixEntries,
	)
}

// TokenBucketConfig configures a single TokenBucket.
type TokenBucketConfig struct {
	Rate            float64       // Tokens replenished per second (connections per second)
	Burst           int           // Maximum tokens (burst capacity)
	CleanupInterval time.Duration // How often to clean up stale entries
	MaxEntries      int           // Maximum tracked keys (prevents memory exhaustion)
}

// TokenBucket implements the token bucket algorithm for admission control.
//
//   - Each key (IP, prefix, or the single global key) has a bucket of tokens.
//   - Tokens are replenished at a constant rate (Rate tokens/second).
//   - Each connection consumes 1 token.
//   - The bucket has a maximum capacity (Burst).
//   - A connection is admitted if tokens >= 1, denied otherwise.
type TokenBucket struct {
	rate            float64
	burst           float64
	cleanupInterval time.Duration
	maxEntries      int

	mu          sync.Mutex
	lastCleanup time.Time
	lastUpdate  map[string]time.Time
	tokens      map[string]float64
}

// NewTokenBucket creates a new token bucket with the given configuration.
func NewTokenBucket(cfg TokenBucketConfig) *TokenBucket {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1
	}
	ci := cfg.CleanupInterval
	if ci <= 0 {
		ci = 60 * time.Second
	}
	return &TokenBucket{
		rate:            cfg.Rate,
		burst:           float64(cfg.Burst),
		cleanupInterval: ci,
		maxEntries:      maxEntries,
		lastCleanup:     time.Now(),
		lastUpdate:      map[string]time.Time{},
		tokens:          map[string]float64{},
	}
}

// Allow checks if a connection for the given key should be admitted.
// Rate limiting is disabled (always allow) if rate or burst is <= 0.
func (b *TokenBucket) Allow(key string) bool {
	if b == nil || b.rate <= 0.0 || b.burst <= 0.0 {
		return true
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.lastCleanup) > b.cleanupInterval {
		b.cleanupLocked(now)
	}

	last, exists := b.lastUpdate[key]
	if !exists {
		if len(b.lastUpdate) >= b.maxEntries {
			b.cleanupLocked(now)
			if len(b.lastUpdate) >= b.maxEntries {
				return false
			}
		}
		b.lastUpdate[key] = now
		b.tokens[key] = b.burst - 1.0
		return true
	}

	elapsed := now.Sub(last).Seconds()
	b.lastUpdate[key] = now

	tokens := b.tokens[key]
	if elapsed > 0 {
		tokens = math.Min(b.burst, tokens+(elapsed*b.rate))
	}

	if tokens >= 1.0 {
		b.tokens[key] = tokens - 1.0
		return true
	}

	b.tokens[key] = tokens
	return false
}

// cleanupLocked removes entries that haven't been accessed recently.
// Must be called with b.mu held.
func (b *TokenBucket) cleanupLocked(now time.Time) {
	staleBefore := now.Add(-b.cleanupInterval)
	for k, last := range b.lastUpdate {
		if !last.After(staleBefore) {
			delete(b.lastUpdate, k)
			delete(b.tokens, k)
		}
	}
	b.lastCleanup = now
}
