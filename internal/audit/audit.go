// Package audit keeps an append-only, risk-scored ledger of every
// security-relevant action: authentication attempts and outcomes,
// credential mutations, rate-limit and circuit-breaker events. Events live
// in a bounded in-memory ring and are mirrored best-effort to a durable
// sink; sink trouble never blocks or fails the operation being audited.
package audit

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType is the closed set of auditable actions.
type EventType string

const (
	EventAuthAttempt         EventType = "auth_attempt"
	EventAuthSuccess         EventType = "auth_success"
	EventAuthFailure         EventType = "auth_failure"
	EventCredentialStored    EventType = "credential_stored"
	EventCredentialRetrieved EventType = "credential_retrieved"
	EventCredentialRemoved   EventType = "credential_removed"
	EventRateLimitExceeded   EventType = "rate_limit_exceeded"
	EventBreakerOpened       EventType = "breaker_opened"
	EventBreakerClosed       EventType = "breaker_closed"
	EventValidationFailed    EventType = "validation_failed"
	EventTokenRefreshed      EventType = "token_refreshed"
)

// Event is one immutable ledger entry. Never mutated after Record.
type Event struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Provider  string            `json:"provider"`
	Type      EventType         `json:"type"`
	Reason    string            `json:"reason,omitempty"`
	RiskScore int               `json:"risk_score"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DefaultRingCap bounds the in-memory ledger when no cap is configured.
const DefaultRingCap = 10_000

// Windows used by risk scoring and suspicious-activity detection.
const (
	riskWindow       = 10 * time.Minute
	suspiciousWindow = 5 * time.Minute
)

// Log is the audit ledger. Safe for concurrent use.
type Log struct {
	mu     sync.RWMutex
	ring   []Event
	head   int // index of oldest event
	count  int
	sink   Sink // may be nil
	logger *zap.Logger
}

// New creates a Log with the given ring capacity and optional durable sink.
func New(ringCap int, sink Sink, logger *zap.Logger) *Log {
	if ringCap <= 0 {
		ringCap = DefaultRingCap
	}
	return &Log{
		ring:   make([]Event, ringCap),
		sink:   sink,
		logger: logger,
	}
}

// Record appends an event, assigning ID, timestamp and risk score. The
// durable sink write is fire-and-forget.
func (l *Log) Record(provider string, typ EventType, reason string, metadata map[string]string) Event {
	l.mu.Lock()
	ev := Event{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Provider:  provider,
		Type:      typ,
		Reason:    reason,
		Metadata:  metadata,
	}
	ev.RiskScore = l.scoreLocked(ev)
	l.appendLocked(ev)
	l.mu.Unlock()

	if l.sink != nil {
		l.sink.Write(&ev)
	}
	if ev.RiskScore >= 7 {
		l.logger.Warn("high-risk audit event",
			zap.String("provider", provider),
			zap.String("type", string(typ)),
			zap.Int("risk_score", ev.RiskScore),
			zap.String("reason", reason),
		)
	}
	return ev
}

// Convenience wrappers for the common event shapes.

func (l *Log) RecordAuthAttempt(provider string) Event {
	return l.Record(provider, EventAuthAttempt, "", nil)
}

func (l *Log) RecordAuthSuccess(provider string, modelCount int) Event {
	return l.Record(provider, EventAuthSuccess, "", map[string]string{
		"models": strconv.Itoa(modelCount),
	})
}

func (l *Log) RecordAuthFailure(provider, reason string) Event {
	return l.Record(provider, EventAuthFailure, reason, nil)
}

func (l *Log) RecordCredentialStored(provider string) Event {
	return l.Record(provider, EventCredentialStored, "", nil)
}

func (l *Log) RecordCredentialRetrieved(provider string) Event {
	return l.Record(provider, EventCredentialRetrieved, "", nil)
}

func (l *Log) RecordCredentialRemoved(provider string) Event {
	return l.Record(provider, EventCredentialRemoved, "", nil)
}

func (l *Log) RecordRateLimitExceeded(provider string, retryAfter time.Duration) Event {
	return l.Record(provider, EventRateLimitExceeded, "rate limit exceeded", map[string]string{
		"retry_after": retryAfter.Round(time.Second).String(),
	})
}

func (l *Log) RecordBreakerOpened(provider string, failures int) Event {
	return l.Record(provider, EventBreakerOpened, "failure threshold reached", map[string]string{
		"consecutive_failures": strconv.Itoa(failures),
	})
}

func (l *Log) RecordBreakerClosed(provider string) Event {
	return l.Record(provider, EventBreakerClosed, "", nil)
}

func (l *Log) RecordValidationFailed(provider, reason string) Event {
	return l.Record(provider, EventValidationFailed, reason, nil)
}

func (l *Log) RecordTokenRefreshed(provider string) Event {
	return l.Record(provider, EventTokenRefreshed, "", nil)
}

// scoreLocked computes the risk score for a new event from its type, the
// provider's recent failure density, and reason keywords. Caller holds l.mu.
func (l *Log) scoreLocked(ev Event) int {
	var base int
	switch ev.Type {
	case EventAuthFailure, EventValidationFailed:
		base = 3
	case EventRateLimitExceeded:
		base = 4
	case EventBreakerOpened:
		base = 5
	default:
		return 1
	}

	cutoff := ev.Timestamp.Add(-riskWindow)
	recentFailures := 0
	l.eachLocked(func(e *Event) {
		if e.Provider == ev.Provider && e.Timestamp.After(cutoff) &&
			(e.Type == EventAuthFailure || e.Type == EventValidationFailed) {
			recentFailures++
		}
	})
	if recentFailures > 5 {
		recentFailures = 5
	}
	score := base + recentFailures

	reason := strings.ToLower(ev.Reason)
	if strings.Contains(reason, "compromised") {
		score += 3
	}
	if strings.Contains(reason, "invalid") {
		score += 2
	}
	if strings.Contains(reason, "rate limit") {
		score++
	}

	if score < 1 {
		score = 1
	}
	if score > 10 {
		score = 10
	}
	return score
}

// appendLocked pushes onto the ring, evicting the oldest past capacity.
func (l *Log) appendLocked(ev Event) {
	if l.count < len(l.ring) {
		l.ring[(l.head+l.count)%len(l.ring)] = ev
		l.count++
		return
	}
	l.ring[l.head] = ev
	l.head = (l.head + 1) % len(l.ring)
}

// eachLocked visits events oldest-first. Caller holds at least a read lock.
func (l *Log) eachLocked(fn func(*Event)) {
	for i := 0; i < l.count; i++ {
		fn(&l.ring[(l.head+i)%len(l.ring)])
	}
}

// Filter selects events for Query. Zero fields match everything.
type Filter struct {
	Provider string
	Type     EventType
	Since    time.Time
	MinRisk  int
	Limit    int
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	l.eachLocked(func(e *Event) {
		if f.Provider != "" && e.Provider != f.Provider {
			return
		}
		if f.Type != "" && e.Type != f.Type {
			return
		}
		if !f.Since.IsZero() && !e.Timestamp.After(f.Since) {
			return
		}
		if f.MinRisk > 0 && e.RiskScore < f.MinRisk {
			return
		}
		out = append(out, *e)
	})

	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Summary aggregates the ledger, optionally scoped to one provider.
type Summary struct {
	TotalEvents int               `json:"total_events"`
	SuccessRate float64           `json:"success_rate"`
	FailureRate float64           `json:"failure_rate"`
	ByProvider  map[string]int    `json:"by_provider"`
	ByEventType map[EventType]int `json:"by_event_type"`

	// RecentFailures holds the last few failure events, newest first.
	RecentFailures []Event `json:"recent_failures"`
	// RiskEvents holds events scored 5 or higher, newest first.
	RiskEvents []Event `json:"risk_events"`
}

const summaryTailSize = 10

// GetSummary computes a Summary. Empty provider means all providers.
func (l *Log) GetSummary(provider string) Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Summary{
		ByProvider:  make(map[string]int),
		ByEventType: make(map[EventType]int),
	}
	var successes, failures int
	l.eachLocked(func(e *Event) {
		if provider != "" && e.Provider != provider {
			return
		}
		s.TotalEvents++
		s.ByProvider[e.Provider]++
		s.ByEventType[e.Type]++
		switch e.Type {
		case EventAuthSuccess:
			successes++
		case EventAuthFailure:
			failures++
			s.RecentFailures = append(s.RecentFailures, *e)
		}
		if e.RiskScore >= 5 {
			s.RiskEvents = append(s.RiskEvents, *e)
		}
	})

	if outcomes := successes + failures; outcomes > 0 {
		s.SuccessRate = float64(successes) / float64(outcomes)
		s.FailureRate = float64(failures) / float64(outcomes)
	}
	s.RecentFailures = newestFirstTail(s.RecentFailures, summaryTailSize)
	s.RiskEvents = newestFirstTail(s.RiskEvents, summaryTailSize)
	return s
}

// newestFirstTail keeps the last n of an oldest-first slice, reversed.
func newestFirstTail(events []Event, n int) []Event {
	if len(events) > n {
		events = events[len(events)-n:]
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}

// SuspicionReport is the outcome of DetectSuspicious.
type SuspicionReport struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// DetectSuspicious applies the anomaly heuristics over the last five
// minutes of a provider's events. Each trigger contributes its own reason.
func (l *Log) DetectSuspicious(provider string) SuspicionReport {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cutoff := time.Now().Add(-suspiciousWindow)
	var failures, rateLimited, highRisk int
	l.eachLocked(func(e *Event) {
		if e.Provider != provider || !e.Timestamp.After(cutoff) {
			return
		}
		switch e.Type {
		case EventAuthFailure, EventValidationFailed:
			failures++
		case EventRateLimitExceeded:
			rateLimited++
		}
		if e.RiskScore >= 5 {
			highRisk++
		}
	})

	var report SuspicionReport
	if failures >= 5 {
		report.Reasons = append(report.Reasons,
			"5 or more authentication failures in the last 5 minutes")
	}
	if highRisk > 0 {
		report.Reasons = append(report.Reasons,
			"high-risk event (score >= 5) in the last 5 minutes")
	}
	if rateLimited >= 3 {
		report.Reasons = append(report.Reasons,
			"3 or more rate-limit violations in the last 5 minutes")
	}
	report.Suspicious = len(report.Reasons) > 0
	return report
}

// Len reports how many events the ring currently holds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}
