// Package manager orchestrates authentication across providers: rate
// limiting, validation, breaker-guarded verification, credential
// persistence, auditing and health reporting behind one API.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rycode-ai/authcore/internal/audit"
	"github.com/rycode-ai/authcore/internal/breaker"
	"github.com/rycode-ai/authcore/internal/cost"
	"github.com/rycode-ai/authcore/internal/credential"
	"github.com/rycode-ai/authcore/internal/lock"
	"github.com/rycode-ai/authcore/internal/provider"
	"github.com/rycode-ai/authcore/internal/ratelimit"
	"github.com/rycode-ai/authcore/internal/validate"
)

// ResilienceContext bundles the shared infrastructure collaborators. It is
// built once at startup and injected; nothing in here is a global.
type ResilienceContext struct {
	Locks       *lock.Keyed
	Limiter     *ratelimit.Limiter
	Breakers    *breaker.Registry
	Audit       *audit.Log
	Credentials *credential.Store
	Cost        *cost.Tracker
	Validator   *validate.Validator
	Verifiers   *provider.VerifierRegistry
	Logger      *zap.Logger
}

// Manager is the authentication orchestrator.
type Manager struct {
	rc     ResilienceContext
	logger *zap.Logger
}

// New creates a Manager over a fully populated ResilienceContext. Breaker
// state transitions are mirrored into the audit ledger so risk scoring and
// suspicious-activity detection see circuit events.
func New(rc ResilienceContext) *Manager {
	rc.Breakers.OnTransition(func(providerID string, from, to breaker.State, failures int) {
		switch to {
		case breaker.Open:
			rc.Audit.RecordBreakerOpened(providerID, failures)
		case breaker.Closed:
			rc.Audit.RecordBreakerClosed(providerID)
		}
	})
	return &Manager{rc: rc, logger: rc.Logger}
}

// Request is one authentication attempt.
type Request struct {
	Provider        string
	Credentials     credential.Credentials
	SaveCredentials bool
}

// Status describes one provider's authentication state. No network calls
// are made to produce it.
type Status struct {
	Provider      string            `json:"provider"`
	Authenticated bool              `json:"authenticated"`
	Method        credential.Method `json:"method,omitempty"`
	Models        []string          `json:"models,omitempty"`
	Expired       bool              `json:"expired"`
	StoredAt      time.Time         `json:"stored_at,omitzero"`
	Health        ProviderHealth    `json:"health"`
}

// ProviderHealth mirrors the breaker view in caller-facing terms.
type ProviderHealth struct {
	State         string    `json:"state"` // healthy | degraded | down
	FailureCount  int       `json:"failure_count"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`
}

// Authenticate runs the full pipeline: rate limit, validate, verify through
// the breaker, then audit and optionally persist. Failures are *AuthError
// except storage failures, which pass through as *credential.StorageError.
func (m *Manager) Authenticate(ctx context.Context, req Request) (*Status, error) {
	providerID := req.Provider
	creds := req.Credentials
	creds.APIKey = validate.SanitizeAPIKey(creds.APIKey)

	identity := ratelimit.Identity(providerID, credentialMaterial(creds))

	// The limit check records the attempt, so it is committed before any
	// network work and survives a canceled context.
	decision := m.rc.Limiter.Check(identity)
	if !decision.Allowed {
		m.rc.Audit.RecordRateLimitExceeded(providerID, decision.RetryAfter)
		return nil, &AuthError{
			Provider:   providerID,
			Reason:     ReasonRateLimited,
			Message:    fmt.Sprintf("too many attempts, retry in %s", decision.RetryAfter.Round(time.Second)),
			RetryAfter: decision.RetryAfter,
		}
	}
	m.rc.Audit.RecordAuthAttempt(providerID)

	if err := m.rc.Validator.ValidateForStorage(providerID, creds); err != nil {
		// Invalid input never reaches the network and never moves the breaker.
		m.rc.Audit.RecordValidationFailed(providerID, err.Error())
		m.rc.Audit.RecordAuthFailure(providerID, err.Error())
		return nil, classify(providerID, err)
	}

	var models []string
	err := m.rc.Breakers.Call(ctx, providerID, func(ctx context.Context) error {
		v := m.rc.Verifiers.Get(providerID)
		if v == nil {
			return fmt.Errorf("no verifier registered for %q", providerID)
		}
		ms, verr := v.Verify(ctx, creds)
		models = ms
		return verr
	})
	if err != nil {
		authErr := classify(providerID, err)
		m.rc.Audit.RecordAuthFailure(providerID, authErr.Message)
		m.logger.Warn("authentication failed",
			zap.String("provider", providerID),
			zap.String("reason", string(authErr.Reason)),
		)
		return nil, authErr
	}

	m.rc.Audit.RecordAuthSuccess(providerID, len(models))
	m.rc.Limiter.RecordSuccess(identity)

	var rec *credential.Record
	if req.SaveCredentials {
		rec, err = m.rc.Credentials.Store(ctx, providerID, creds, models)
		if err != nil {
			return nil, m.storageOrTimeout(providerID, err)
		}
		m.rc.Audit.RecordCredentialStored(providerID)
	}

	status := &Status{
		Provider:      providerID,
		Authenticated: true,
		Method:        creds.Method(),
		Models:        models,
		Health:        m.health(providerID, false),
	}
	if rec != nil {
		status.StoredAt = rec.StoredAt
	}
	return status, nil
}

// Status reports one provider's stored-credential state without touching
// the network.
func (m *Manager) Status(ctx context.Context, providerID string) (*Status, error) {
	rec, err := m.rc.Credentials.Retrieve(ctx, providerID)
	if err != nil {
		return nil, m.storageOrTimeout(providerID, err)
	}
	if rec != nil {
		m.rc.Audit.RecordCredentialRetrieved(providerID)
	}

	s := &Status{Provider: providerID}
	expired := false
	if rec != nil {
		expired = rec.Expired(time.Now())
		s.Authenticated = !expired
		s.Method = rec.Method
		s.Models = rec.Models
		s.Expired = expired
		s.StoredAt = rec.StoredAt
	}
	s.Health = m.health(providerID, expired)
	return s, nil
}

// AllStatus reports every known provider concurrently.
func (m *Manager) AllStatus(ctx context.Context) ([]*Status, error) {
	ids := provider.IDs()
	statuses := make([]*Status, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			statuses[i], errs[i] = m.Status(ctx, id)
		}(i, id)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return statuses, nil
}

// HealthReport aggregates provider health for monitoring callers.
type HealthReport struct {
	Healthy   bool                      `json:"healthy"`
	Providers map[string]ProviderHealth `json:"providers"`
	Issues    []string                  `json:"issues,omitempty"`
}

// HealthCheck reports breaker and expiry state for every provider. It makes
// no network calls.
func (m *Manager) HealthCheck(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		Healthy:   true,
		Providers: make(map[string]ProviderHealth),
	}
	for _, id := range provider.IDs() {
		expired, err := m.rc.Credentials.IsExpired(ctx, id)
		if err != nil {
			return nil, m.storageOrTimeout(id, err)
		}
		h := m.health(id, expired)
		report.Providers[id] = h
		switch h.State {
		case "down":
			report.Healthy = false
			report.Issues = append(report.Issues,
				fmt.Sprintf("%s: circuit open until %s", id, h.NextAttemptAt.Format(time.RFC3339)))
		case "degraded":
			report.Issues = append(report.Issues, fmt.Sprintf("%s: degraded", id))
		}
	}
	return report, nil
}

// health maps breaker state plus credential expiry onto the caller-facing
// health string.
func (m *Manager) health(providerID string, expired bool) ProviderHealth {
	snap := m.rc.Breakers.SnapshotOf(providerID)
	h := ProviderHealth{
		FailureCount:  snap.Failures,
		NextAttemptAt: snap.NextAttemptAt,
	}
	switch {
	case snap.State == breaker.Open:
		h.State = "down"
	case snap.State == breaker.HalfOpen || snap.Failures > 0 || expired:
		h.State = "degraded"
	default:
		h.State = "healthy"
	}
	return h
}

// Logout removes the provider's stored credential. Returns false when there
// was nothing to remove.
func (m *Manager) Logout(ctx context.Context, providerID string) (bool, error) {
	removed, err := m.rc.Credentials.Remove(ctx, providerID)
	if err != nil {
		return false, m.storageOrTimeout(providerID, err)
	}
	if removed {
		m.rc.Audit.RecordCredentialRemoved(providerID)
	}
	return removed, nil
}

// TokenSet is a refreshed OAuth token bundle.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshOAuth swaps in a refreshed token set as a unit.
func (m *Manager) RefreshOAuth(ctx context.Context, providerID string, tokens TokenSet) (*credential.Record, error) {
	if tokens.AccessToken == "" {
		return nil, &AuthError{Provider: providerID, Reason: ReasonValidationFailed,
			Message: "refreshed access token is empty"}
	}
	rec, err := m.rc.Credentials.UpdateOAuthTokens(ctx, providerID,
		tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt)
	if err != nil {
		return nil, m.storageOrTimeout(providerID, err)
	}
	m.rc.Audit.RecordTokenRefreshed(providerID)
	return rec, nil
}

// storageOrTimeout lets *credential.StorageError pass through unchanged and
// maps lock timeouts to the timeout reason.
func (m *Manager) storageOrTimeout(providerID string, err error) error {
	var serr *credential.StorageError
	if errors.As(err, &serr) {
		return err
	}
	var terr *lock.TimeoutError
	if errors.As(err, &terr) {
		return &AuthError{Provider: providerID, Reason: ReasonTimeout,
			Message: "credential store busy", Err: err}
	}
	return err
}

// credentialMaterial picks the secret used for rate-limit identity.
func credentialMaterial(creds credential.Credentials) string {
	if creds.APIKey != "" {
		return creds.APIKey
	}
	return creds.AccessToken
}
