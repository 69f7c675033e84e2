// Package breaker implements a per-provider circuit breaker. A provider
// that keeps failing is isolated for a cooldown period so callers stop
// burning their time budget and rate-limit allowance on a dead endpoint.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker state machine position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Defaults applied where Config fields are zero.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
	DefaultBackoffFactor    = 2.0
	DefaultMaxCooldown      = 5 * time.Minute
)

// Config controls breaker behavior for every provider in a Registry.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	BackoffFactor    float64 // cooldown growth after a failed half-open trial
	MaxCooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = DefaultBackoffFactor
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	return c
}

// OpenError is returned when a call is rejected because the provider's
// breaker is open and the cooldown has not elapsed.
type OpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for %q, retry in %s", e.Provider, e.RetryAfter.Round(time.Second))
}

// Snapshot is a point-in-time view of one provider's breaker, used by
// health reporting.
type Snapshot struct {
	Provider      string
	State         State
	Failures      int
	NextAttemptAt time.Time // zero unless open
}

// breaker holds one provider's state. All transitions happen under mu so
// two concurrent calls cannot both claim the half-open trial.
type breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	cooldown  time.Duration // current cooldown, grows with backoff
	openUntil time.Time
	trialing  bool // a half-open trial call is in flight
}

// TransitionFunc observes a breaker state change. It runs inside the
// transition's critical section and must not call back into the Registry.
type TransitionFunc func(provider string, from, to State, failures int)

// Registry hands out breakers keyed by provider.
type Registry struct {
	mu           sync.Mutex
	cfg          Config
	breakers     map[string]*breaker
	logger       *zap.Logger
	onTransition TransitionFunc
}

// NewRegistry creates a Registry. The logger may not be nil.
func NewRegistry(cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*breaker),
		logger:   logger,
	}
}

// OnTransition registers the state-change observer. Call before the first
// Call; there is at most one observer.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
}

func (r *Registry) notify(provider string, from, to State, failures int) {
	r.mu.Lock()
	fn := r.onTransition
	r.mu.Unlock()
	if fn != nil {
		fn(provider, from, to, failures)
	}
}

func (r *Registry) get(provider string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[provider]
	if !ok {
		b = &breaker{cooldown: r.cfg.Cooldown}
		r.breakers[provider] = b
	}
	return b
}

// Call runs fn through provider's breaker. While the breaker is open and
// cooling down, fn is not invoked and an *OpenError is returned. In
// half-open, exactly one caller gets the trial; concurrent callers are
// rejected as if still open.
func (r *Registry) Call(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	b := r.get(provider)

	if err := r.before(b, provider); err != nil {
		return err
	}

	err := fn(ctx)
	r.after(b, provider, err)
	return err
}

func (r *Registry) before(b *breaker, provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		remaining := time.Until(b.openUntil)
		if remaining > 0 {
			return &OpenError{Provider: provider, RetryAfter: remaining}
		}
		// Cooldown elapsed: this caller becomes the half-open trial.
		b.state = HalfOpen
		b.trialing = true
		r.logger.Info("circuit half-open, allowing trial call",
			zap.String("provider", provider),
		)
		r.notify(provider, Open, HalfOpen, b.failures)
		return nil
	case HalfOpen:
		if b.trialing {
			retry := time.Until(b.openUntil)
			if retry <= 0 {
				retry = time.Second
			}
			return &OpenError{Provider: provider, RetryAfter: retry}
		}
		b.trialing = true
		return nil
	default:
		return nil
	}
}

func (r *Registry) after(b *breaker, provider string, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == HalfOpen
	b.trialing = false

	if callErr == nil {
		if from := b.state; from != Closed {
			r.logger.Info("circuit closed",
				zap.String("provider", provider),
			)
			b.state = Closed
			b.failures = 0
			b.cooldown = r.cfg.Cooldown
			r.notify(provider, from, Closed, 0)
			return
		}
		b.failures = 0
		b.cooldown = r.cfg.Cooldown
		return
	}

	if wasTrial {
		// Failed trial: reopen with a grown cooldown.
		b.failures++
		b.cooldown = time.Duration(float64(b.cooldown) * r.cfg.BackoffFactor)
		if b.cooldown > r.cfg.MaxCooldown {
			b.cooldown = r.cfg.MaxCooldown
		}
		r.open(b, provider, HalfOpen)
		return
	}
	if b.state == Closed {
		// Failures while already open (a call that was in flight when the
		// circuit tripped) do not count past the threshold.
		b.failures++
		if b.failures >= r.cfg.FailureThreshold {
			r.open(b, provider, Closed)
		}
	}
}

// open transitions to Open. Caller holds b.mu.
func (r *Registry) open(b *breaker, provider string, from State) {
	b.state = Open
	b.openUntil = time.Now().Add(b.cooldown)
	r.logger.Warn("circuit opened",
		zap.String("provider", provider),
		zap.Int("consecutive_failures", b.failures),
		zap.Duration("cooldown", b.cooldown),
	)
	r.notify(provider, from, Open, b.failures)
}

// StateOf reports the current state for provider.
func (r *Registry) StateOf(provider string) State {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Now().After(b.openUntil) {
		return HalfOpen
	}
	return b.state
}

// Snapshot returns the state of every breaker the registry has seen.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	providers := make([]string, 0, len(r.breakers))
	for p := range r.breakers {
		providers = append(providers, p)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(providers))
	for _, p := range providers {
		snaps = append(snaps, r.SnapshotOf(p))
	}
	return snaps
}

// SnapshotOf returns the breaker view for a single provider.
func (r *Registry) SnapshotOf(provider string) Snapshot {
	b := r.get(provider)
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{Provider: provider, State: b.state, Failures: b.failures}
	if b.state == Open {
		s.NextAttemptAt = b.openUntil
	}
	return s
}
