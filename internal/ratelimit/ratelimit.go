// Package ratelimit throttles authentication attempts per identity using a
// rolling window. An identity is derived from the provider plus a truncated
// hash of the credential, so one abused key never throttles a different key
// for the same provider.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	// DefaultWindow is the rolling window length when none is configured.
	DefaultWindow = 15 * time.Minute
	// DefaultMaxAttempts is the per-window attempt cap when none is configured.
	DefaultMaxAttempts = 5

	cleanupInterval = 10 * time.Minute
)

// Config controls the limiter. Zero fields fall back to defaults.
type Config struct {
	Window      time.Duration
	MaxAttempts int
}

// Decision is the result of a limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // > 0 when not allowed
}

// Limiter tracks attempt timestamps per identity in a rolling window.
type Limiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	attempts map[string][]time.Time
	done     chan struct{}
	closeOne sync.Once
}

// New creates a Limiter and starts its idle-identity cleanup loop.
func New(cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	l := &Limiter{
		window:   cfg.Window,
		max:      cfg.MaxAttempts,
		attempts: make(map[string][]time.Time),
		done:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Identity builds the rate-limit key for a provider/credential pair:
// provider plus the first 8 hex chars of the credential's SHA-256. The raw
// credential never appears in the key.
func Identity(provider, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return provider + ":" + hex.EncodeToString(sum[:])[:8]
}

// Check records an attempt for identity and reports whether it is allowed.
// Attempts older than the window are discarded first. A rejected attempt is
// not recorded, so hammering a limited identity does not push the window out.
func (l *Limiter) Check(identity string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	valid := l.prune(identity, now)

	if len(valid) >= l.max {
		// Retry once the oldest attempt ages out of the window.
		retry := l.window - now.Sub(valid[0])
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	l.attempts[identity] = append(valid, now)
	return Decision{Allowed: true, Remaining: l.max - len(valid) - 1}
}

// RecordSuccess clears the identity's window. A successful authentication
// resets failure pressure entirely.
func (l *Limiter) RecordSuccess(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, identity)
}

// Attempts reports how many attempts are currently inside the window.
func (l *Limiter) Attempts(identity string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(identity, time.Now()))
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.closeOne.Do(func() { close(l.done) })
}

// prune drops attempts older than the window. Caller holds l.mu.
func (l *Limiter) prune(identity string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	timestamps := l.attempts[identity]
	valid := timestamps[:0]
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	if len(valid) == 0 {
		delete(l.attempts, identity)
		return nil
	}
	l.attempts[identity] = valid
	return valid
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for id := range l.attempts {
				l.prune(id, now)
			}
			l.mu.Unlock()
		}
	}
}
