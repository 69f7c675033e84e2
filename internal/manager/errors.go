package manager

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rycode-ai/authcore/internal/breaker"
	"github.com/rycode-ai/authcore/internal/lock"
	"github.com/rycode-ai/authcore/internal/provider"
	"github.com/rycode-ai/authcore/internal/validate"
)

// Reason is the closed set of authentication failure classes.
type Reason string

const (
	ReasonInvalidKey       Reason = "invalid_key"
	ReasonForbidden        Reason = "forbidden"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonTimeout          Reason = "timeout"
	ReasonServerError      Reason = "server_error"
	ReasonExpired          Reason = "expired"
	ReasonValidationFailed Reason = "validation_failed"
	ReasonUnknown          Reason = "unknown"
)

// Retryable reports whether the same request could plausibly succeed if
// simply retried later. Credential problems are not retryable; the caller
// has to change something first.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonTimeout, ReasonServerError:
		return true
	default:
		return false
	}
}

// AuthError is the typed authentication failure callers branch on.
// RetryAfter is set for rate-limited and breaker-rejected failures.
type AuthError struct {
	Provider   string
	Reason     Reason
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("auth %s: %s: %s", e.Provider, e.Reason, e.Message)
	}
	return fmt.Sprintf("auth %s: %s", e.Provider, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Retryable() bool { return e.Reason.Retryable() }

// classify maps a verification or infrastructure error onto the taxonomy.
func classify(providerID string, err error) *AuthError {
	var openErr *breaker.OpenError
	if errors.As(err, &openErr) {
		return &AuthError{
			Provider:   providerID,
			Reason:     ReasonServerError,
			Message:    "provider temporarily isolated after repeated failures",
			RetryAfter: openErr.RetryAfter,
			Err:        err,
		}
	}

	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusUnauthorized:
			return &AuthError{Provider: providerID, Reason: ReasonInvalidKey,
				Message: "provider rejected the credentials", Err: err}
		case httpErr.StatusCode == http.StatusForbidden:
			return &AuthError{Provider: providerID, Reason: ReasonForbidden,
				Message: "credentials are valid but lack permission", Err: err}
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return &AuthError{Provider: providerID, Reason: ReasonRateLimited,
				Message: "provider rate limit hit", RetryAfter: time.Minute, Err: err}
		case httpErr.StatusCode >= 500:
			return &AuthError{Provider: providerID, Reason: ReasonServerError,
				Message: fmt.Sprintf("provider returned %d", httpErr.StatusCode), Err: err}
		default:
			return &AuthError{Provider: providerID, Reason: ReasonUnknown,
				Message: fmt.Sprintf("unexpected provider response %d", httpErr.StatusCode), Err: err}
		}
	}

	var timeoutErr *lock.TimeoutError
	if errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded) {
		return &AuthError{Provider: providerID, Reason: ReasonTimeout,
			Message: "operation timed out", Err: err}
	}
	if netTimeout(err) {
		return &AuthError{Provider: providerID, Reason: ReasonTimeout,
			Message: "provider did not respond in time", Err: err}
	}

	var valErr *validate.Error
	if errors.As(err, &valErr) {
		// An already-expired token is its own reason: the caller needs a
		// refresh, not different input.
		if valErr.Field == "expires_at" {
			return &AuthError{Provider: providerID, Reason: ReasonExpired,
				Message: valErr.Message, Err: err}
		}
		return &AuthError{Provider: providerID, Reason: ReasonValidationFailed,
			Message: valErr.Message, Err: err}
	}

	return &AuthError{Provider: providerID, Reason: ReasonUnknown,
		Message: err.Error(), Err: err}
}

// netTimeout detects transport-level timeouts without importing net
// directly into the taxonomy.
func netTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
