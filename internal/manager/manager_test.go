package manager

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
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
	"github.com/rycode-ai/authcore/internal/vault"
)

const validAnthropicKey = "sk-ant-REDACTED"

type fakeVerifier struct {
	models []string
	err    error
	calls  int
}

func (f *fakeVerifier) Verify(ctx context.Context, creds credential.Credentials) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.models, nil
}

type testFixture struct {
	mgr      *Manager
	verifier *fakeVerifier
	audit    *audit.Log
	breakers *breaker.Registry
	store    *credential.Store
}

func newFixture(t *testing.T, rlCfg ratelimit.Config, brCfg breaker.Config) *testFixture {
	t.Helper()
	logger := zap.NewNop()

	v, err := vault.NewFile(filepath.Join(t.TempDir(), "creds.vault"), "test-pass")
	if err != nil {
		t.Fatal(err)
	}
	locks := lock.New(5 * time.Second)
	limiter := ratelimit.New(rlCfg)
	t.Cleanup(limiter.Close)
	breakers := breaker.NewRegistry(brCfg, logger)
	auditLog := audit.New(1000, nil, logger)
	store := credential.NewStore(v, locks, logger)

	verifier := &fakeVerifier{models: []string{"claude-sonnet-4", "claude-opus-4"}}
	verifiers := provider.NewVerifierRegistry()
	for _, id := range provider.IDs() {
		verifiers.Register(id, verifier)
	}

	mgr := New(ResilienceContext{
		Locks:       locks,
		Limiter:     limiter,
		Breakers:    breakers,
		Audit:       auditLog,
		Credentials: store,
		Cost:        cost.NewTracker("", logger),
		Validator:   validate.New(nil),
		Verifiers:   verifiers,
		Logger:      logger,
	})
	return &testFixture{mgr: mgr, verifier: verifier, audit: auditLog, breakers: breakers, store: store}
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	ctx := context.Background()

	status, err := f.mgr.Authenticate(ctx, Request{
		Provider:        "anthropic",
		Credentials:     credential.Credentials{APIKey: validAnthropicKey},
		SaveCredentials: true,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !status.Authenticated {
		t.Error("expected authenticated status")
	}
	if len(status.Models) != 2 {
		t.Errorf("models = %v", status.Models)
	}
	if status.Health.State != "healthy" {
		t.Errorf("health = %s", status.Health.State)
	}

	rec, err := f.store.Retrieve(ctx, "anthropic")
	if err != nil || rec == nil {
		t.Fatalf("credential not persisted: %v, %v", rec, err)
	}
	if rec.APIKey != validAnthropicKey {
		t.Errorf("stored key mismatch")
	}

	if got := f.audit.Query(audit.Filter{Type: audit.EventAuthSuccess}); len(got) != 1 {
		t.Errorf("expected one success audit event, got %d", len(got))
	}
}

func TestAuthenticateSanitizesPastedKey(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})

	status, err := f.mgr.Authenticate(context.Background(), Request{
		Provider:        "anthropic",
		Credentials:     credential.Credentials{APIKey: `  "` + validAnthropicKey + `"` + "\n"},
		SaveCredentials: true,
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !status.Authenticated {
		t.Error("sanitized key should authenticate")
	}

	rec, _ := f.store.Retrieve(context.Background(), "anthropic")
	if rec.APIKey != validAnthropicKey {
		t.Errorf("stored key not sanitized: %q", rec.APIKey)
	}
}

func TestAuthenticateInvalidFormatKey(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})

	_, err := f.mgr.Authenticate(context.Background(), Request{
		Provider:    "anthropic",
		Credentials: credential.Credentials{APIKey: "not-a-key"},
	})

	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Reason != ReasonValidationFailed {
		t.Errorf("reason = %s", authErr.Reason)
	}
	if authErr.Retryable() {
		t.Error("validation failures are not retryable")
	}

	// The invalid key never reaches the network.
	if f.verifier.calls != 0 {
		t.Errorf("verifier called %d times for invalid input", f.verifier.calls)
	}
	// And never moves the breaker.
	if snap := f.breakers.SnapshotOf("anthropic"); snap.State != breaker.Closed || snap.Failures != 0 {
		t.Errorf("breaker moved on validation failure: %+v", snap)
	}
	// Exactly one failure event.
	if got := f.audit.Query(audit.Filter{Type: audit.EventAuthFailure}); len(got) != 1 {
		t.Errorf("expected one failure audit event, got %d", len(got))
	}
	// The structured validation error is reachable for UI hints.
	var valErr *validate.Error
	if !errors.As(err, &valErr) || valErr.Hint == "" {
		t.Errorf("expected wrapped validation error with hint, got %v", err)
	}
}

func TestAuthenticateRateLimited(t *testing.T) {
	f := newFixture(t, ratelimit.Config{Window: time.Minute, MaxAttempts: 5}, breaker.Config{FailureThreshold: 100})
	ctx := context.Background()
	f.verifier.err = &provider.HTTPError{Provider: "anthropic", StatusCode: http.StatusUnauthorized}

	req := Request{Provider: "anthropic", Credentials: credential.Credentials{APIKey: validAnthropicKey}}
	for i := 0; i < 5; i++ {
		if _, err := f.mgr.Authenticate(ctx, req); err == nil {
			t.Fatal("expected verification failure")
		}
	}

	_, err := f.mgr.Authenticate(ctx, req)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonRateLimited {
		t.Fatalf("6th attempt should be rate limited, got %v", err)
	}
	if authErr.RetryAfter <= 0 {
		t.Errorf("retry-after must be positive, got %s", authErr.RetryAfter)
	}
	if !authErr.Retryable() {
		t.Error("rate limited is retryable")
	}
	if f.verifier.calls != 5 {
		t.Errorf("rate-limited attempt reached the verifier: %d calls", f.verifier.calls)
	}
	if got := f.audit.Query(audit.Filter{Type: audit.EventRateLimitExceeded}); len(got) != 1 {
		t.Errorf("expected one rate-limit audit event, got %d", len(got))
	}
}

func TestSuccessClearsRatePressure(t *testing.T) {
	f := newFixture(t, ratelimit.Config{Window: time.Minute, MaxAttempts: 3}, breaker.Config{FailureThreshold: 100})
	ctx := context.Background()
	req := Request{Provider: "anthropic", Credentials: credential.Credentials{APIKey: validAnthropicKey}}

	f.verifier.err = &provider.HTTPError{Provider: "anthropic", StatusCode: http.StatusInternalServerError}
	f.mgr.Authenticate(ctx, req)
	f.mgr.Authenticate(ctx, req)

	f.verifier.err = nil
	if _, err := f.mgr.Authenticate(ctx, req); err != nil {
		t.Fatalf("3rd attempt should succeed: %v", err)
	}

	// Window cleared: more attempts are available again.
	f.verifier.err = &provider.HTTPError{Provider: "anthropic", StatusCode: http.StatusInternalServerError}
	for i := 0; i < 3; i++ {
		_, err := f.mgr.Authenticate(ctx, req)
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Reason == ReasonRateLimited {
			t.Fatalf("attempt %d rate limited after success reset", i+1)
		}
	}
}

func TestVerificationErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reason    Reason
		retryable bool
	}{
		{"401 invalid key", http.StatusUnauthorized, ReasonInvalidKey, false},
		{"403 forbidden", http.StatusForbidden, ReasonForbidden, false},
		{"429 provider limit", http.StatusTooManyRequests, ReasonRateLimited, true},
		{"500 server error", http.StatusInternalServerError, ReasonServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, ratelimit.Config{}, breaker.Config{})
			f.verifier.err = &provider.HTTPError{Provider: "anthropic", StatusCode: tt.status}

			_, err := f.mgr.Authenticate(context.Background(), Request{
				Provider:    "anthropic",
				Credentials: credential.Credentials{APIKey: validAnthropicKey},
			})
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("expected AuthError, got %v", err)
			}
			if authErr.Reason != tt.reason {
				t.Errorf("reason = %s, want %s", authErr.Reason, tt.reason)
			}
			if authErr.Retryable() != tt.retryable {
				t.Errorf("retryable = %v, want %v", authErr.Retryable(), tt.retryable)
			}
		})
	}
}

func TestBreakerIsolatesFailingProvider(t *testing.T) {
	f := newFixture(t, ratelimit.Config{MaxAttempts: 100}, breaker.Config{FailureThreshold: 2, Cooldown: time.Minute})
	ctx := context.Background()
	req := Request{Provider: "anthropic", Credentials: credential.Credentials{APIKey: validAnthropicKey}}
	f.verifier.err = &provider.HTTPError{Provider: "anthropic", StatusCode: http.StatusInternalServerError}

	f.mgr.Authenticate(ctx, req)
	f.mgr.Authenticate(ctx, req)

	calls := f.verifier.calls
	_, err := f.mgr.Authenticate(ctx, req)
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonServerError {
		t.Fatalf("expected server_error from open breaker, got %v", err)
	}
	if authErr.RetryAfter <= 0 {
		t.Errorf("breaker rejection should carry retry-after, got %s", authErr.RetryAfter)
	}
	if f.verifier.calls != calls {
		t.Error("open breaker still let the call through")
	}
}

func TestBreakerTransitionsAreAudited(t *testing.T) {
	f := newFixture(t, ratelimit.Config{},
		breaker.Config{FailureThreshold: 2, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()
	key := "sk-0123456789abcdefghij"

	f.verifier.err = &provider.HTTPError{Provider: "openai", StatusCode: http.StatusInternalServerError}
	for i := 0; i < 2; i++ {
		f.mgr.Authenticate(ctx, Request{Provider: "openai",
			Credentials: credential.Credentials{APIKey: key}})
	}

	opened := f.audit.Query(audit.Filter{Type: audit.EventBreakerOpened})
	if len(opened) != 1 {
		t.Fatalf("expected one breaker_opened event, got %d", len(opened))
	}
	if opened[0].Provider != "openai" {
		t.Errorf("provider = %s", opened[0].Provider)
	}
	if opened[0].Metadata["consecutive_failures"] != "2" {
		t.Errorf("metadata = %v", opened[0].Metadata)
	}
	if opened[0].RiskScore < 5 {
		t.Errorf("breaker_opened should score at least 5, got %d", opened[0].RiskScore)
	}

	// Recovery through the half-open trial lands a breaker_closed event.
	time.Sleep(30 * time.Millisecond)
	f.verifier.err = nil
	if _, err := f.mgr.Authenticate(ctx, Request{Provider: "openai",
		Credentials: credential.Credentials{APIKey: key}}); err != nil {
		t.Fatalf("trial authenticate failed: %v", err)
	}
	if closed := f.audit.Query(audit.Filter{Type: audit.EventBreakerClosed}); len(closed) != 1 {
		t.Errorf("expected one breaker_closed event, got %d", len(closed))
	}
}

func TestAuthenticateExpiredTokenNeedsRefresh(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})

	_, err := f.mgr.Authenticate(context.Background(), Request{
		Provider: "google",
		Credentials: credential.Credentials{
			AccessToken: "ya29.stale",
			ExpiresAt:   time.Now().Add(-time.Hour),
		},
	})
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Reason != ReasonExpired {
		t.Errorf("reason = %s, want %s", authErr.Reason, ReasonExpired)
	}
	if authErr.Retryable() {
		t.Error("expired token is not retryable without a refresh")
	}
	if f.verifier.calls != 0 {
		t.Errorf("expired token reached the network: %d calls", f.verifier.calls)
	}
}

func TestStatusAndAllStatus(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	ctx := context.Background()

	f.mgr.Authenticate(ctx, Request{
		Provider:        "anthropic",
		Credentials:     credential.Credentials{APIKey: validAnthropicKey},
		SaveCredentials: true,
	})

	s, err := f.mgr.Status(ctx, "anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Authenticated || s.Method != credential.MethodAPIKey {
		t.Errorf("status: %+v", s)
	}

	s, err = f.mgr.Status(ctx, "openai")
	if err != nil {
		t.Fatal(err)
	}
	if s.Authenticated {
		t.Error("openai should not be authenticated")
	}

	all, err := f.mgr.AllStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != len(provider.IDs()) {
		t.Errorf("expected %d statuses, got %d", len(provider.IDs()), len(all))
	}
}

func TestExpiredOAuthReportsExpired(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	ctx := context.Background()

	f.store.Store(ctx, "google", credential.Credentials{
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}, nil)

	s, err := f.mgr.Status(ctx, "google")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Expired || s.Authenticated {
		t.Errorf("expired token status: %+v", s)
	}
	if s.Health.State != "degraded" {
		t.Errorf("expired credential should degrade health, got %s", s.Health.State)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	ctx := context.Background()

	f.mgr.Authenticate(ctx, Request{
		Provider:        "anthropic",
		Credentials:     credential.Credentials{APIKey: validAnthropicKey},
		SaveCredentials: true,
	})

	removed, err := f.mgr.Logout(ctx, "anthropic")
	if err != nil || !removed {
		t.Fatalf("Logout = %v, %v", removed, err)
	}
	removed, err = f.mgr.Logout(ctx, "anthropic")
	if err != nil || removed {
		t.Errorf("second Logout = %v, %v", removed, err)
	}
	if got := f.audit.Query(audit.Filter{Type: audit.EventCredentialRemoved}); len(got) != 1 {
		t.Errorf("expected one removal audit event, got %d", len(got))
	}
}

func TestRefreshOAuth(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	ctx := context.Background()

	f.store.Store(ctx, "google", credential.Credentials{
		AccessToken:  "old",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}, nil)

	rec, err := f.mgr.RefreshOAuth(ctx, "google", TokenSet{
		AccessToken: "new",
		ExpiresAt:   time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("RefreshOAuth: %v", err)
	}
	if rec.AccessToken != "new" || rec.RefreshToken != "refresh" {
		t.Errorf("refreshed record: %+v", rec)
	}

	_, err = f.mgr.RefreshOAuth(ctx, "google", TokenSet{})
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Reason != ReasonValidationFailed {
		t.Errorf("empty token should be validation_failed, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, ratelimit.Config{MaxAttempts: 100}, breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	report, err := f.mgr.HealthCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Healthy {
		t.Errorf("fresh system should be healthy: %+v", report)
	}

	f.verifier.err = &provider.HTTPError{Provider: "openai", StatusCode: http.StatusInternalServerError}
	f.mgr.Authenticate(ctx, Request{
		Provider:    "openai",
		Credentials: credential.Credentials{APIKey: "sk-0123456789abcdefghijk"},
	})

	report, err = f.mgr.HealthCheck(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Healthy {
		t.Error("open breaker should mark the system unhealthy")
	}
	if report.Providers["openai"].State != "down" {
		t.Errorf("openai health = %s", report.Providers["openai"].State)
	}
	if report.Providers["openai"].NextAttemptAt.IsZero() {
		t.Error("down provider should expose next attempt time")
	}
}

func TestAutoDetect(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{})
	t.Setenv("ANTHROPIC_API_KEY", validAnthropicKey)
	t.Setenv("OPENAI_API_KEY", "garbage")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	findings := f.mgr.AutoDetect(context.Background())
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", findings)
	}
	byProvider := make(map[string]Finding)
	for _, fd := range findings {
		byProvider[fd.Provider] = fd
	}
	if fd := byProvider["anthropic"]; !fd.Valid || fd.EnvVar != "ANTHROPIC_API_KEY" {
		t.Errorf("anthropic finding: %+v", fd)
	}
	if fd := byProvider["openai"]; fd.Valid || fd.Message == "" {
		t.Errorf("openai finding should be invalid with message: %+v", fd)
	}
}

func TestRecommend(t *testing.T) {
	f := newFixture(t, ratelimit.Config{}, breaker.Config{FailureThreshold: 1, Cooldown: time.Minute})
	ctx := context.Background()

	f.store.Store(ctx, "anthropic", credential.Credentials{APIKey: validAnthropicKey},
		[]string{"claude-sonnet-4", "claude-haiku-3.5"})
	f.store.Store(ctx, "openai", credential.Credentials{APIKey: "sk-0123456789abcdefghijk"},
		[]string{"gpt-4o-mini"})

	recs, err := f.mgr.Recommend(ctx, "refactor this code")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 recommendations, got %+v", recs)
	}
	if recs[0].Model != "claude-sonnet-4" {
		t.Errorf("coding task should rank sonnet first, got %s", recs[0].Model)
	}
	if recs[0].Reasoning == "" {
		t.Error("recommendations must explain themselves")
	}

	// A provider behind an open breaker is excluded entirely.
	f.verifier.err = &provider.HTTPError{Provider: "openai", StatusCode: http.StatusInternalServerError}
	f.mgr.Authenticate(ctx, Request{
		Provider:    "openai",
		Credentials: credential.Credentials{APIKey: "sk-0123456789abcdefghijk"},
	})
	recs, err = f.mgr.Recommend(ctx, "refactor this code")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if r.Provider == "openai" {
			t.Errorf("provider with open breaker recommended: %+v", r)
		}
	}
}
