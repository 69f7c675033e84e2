// Package validate checks credential material before it is used or
// persisted: sanitation, provider-specific format rules, and a
// compromised-key blocklist keyed by one-way hash. Raw keys are never
// stored or logged here.
package validate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rycode-ai/authcore/internal/credential"
	"github.com/rycode-ai/authcore/internal/provider"
)

// Error is a structured validation failure. Hint and HelpURL give callers
// something actionable to show, not just a boolean.
type Error struct {
	Field   string
	Message string
	Hint    string
	HelpURL string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate: %s: %s", e.Field, e.Message)
}

const (
	maxKeyLength       = 512
	maxProjectIDLength = 64
)

var projectIDPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{4,28}[a-z0-9]$`)

// Validator applies all credential checks. The compromised set holds
// lowercase hex SHA-256 digests of known-leaked keys.
type Validator struct {
	mu          sync.RWMutex
	compromised map[string]struct{}
}

// New creates a Validator with the given blocklist of key hashes.
func New(compromisedHashes []string) *Validator {
	set := make(map[string]struct{}, len(compromisedHashes))
	for _, h := range compromisedHashes {
		set[strings.ToLower(h)] = struct{}{}
	}
	return &Validator{compromised: set}
}

// SanitizeAPIKey strips surrounding whitespace, quotes and newlines that
// commonly ride along with pasted keys.
func SanitizeAPIKey(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\n", "")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

// HashKey returns the lowercase hex SHA-256 of a key, the only form in
// which keys are compared against the blocklist.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// IsCompromised reports whether the key's hash appears on the blocklist.
func (v *Validator) IsCompromised(key string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, found := v.compromised[HashKey(key)]
	return found
}

// AddCompromisedHash adds a digest to the blocklist at runtime.
func (v *Validator) AddCompromisedHash(hash string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.compromised[strings.ToLower(hash)] = struct{}{}
}

// ValidateAPIKeyFormat checks a sanitized key against the provider's
// published key shape.
func (v *Validator) ValidateAPIKeyFormat(providerID, key string) error {
	info := provider.Get(providerID)
	if info == nil {
		return &Error{
			Field:   "provider",
			Message: fmt.Sprintf("unknown provider %q", providerID),
			Hint:    "supported providers: " + strings.Join(provider.IDs(), ", "),
		}
	}
	if key == "" {
		return &Error{
			Field:   "api_key",
			Message: "API key is empty",
			Hint:    info.KeyHint,
			HelpURL: info.HelpURL,
		}
	}
	if len(key) > maxKeyLength {
		return &Error{
			Field:   "api_key",
			Message: fmt.Sprintf("API key exceeds %d characters", maxKeyLength),
			Hint:    "this does not look like a real key; check for accidental paste of surrounding text",
			HelpURL: info.HelpURL,
		}
	}
	if !info.KeyPattern.MatchString(key) {
		return &Error{
			Field:   "api_key",
			Message: fmt.Sprintf("API key does not match the expected %s format", info.DisplayName),
			Hint:    info.KeyHint,
			HelpURL: info.HelpURL,
		}
	}
	return nil
}

// ValidateOAuthToken checks an OAuth token set for basic soundness.
func (v *Validator) ValidateOAuthToken(providerID string, creds credential.Credentials) error {
	info := provider.Get(providerID)
	if info != nil && !info.SupportsOAuth {
		return &Error{
			Field:   "access_token",
			Message: fmt.Sprintf("%s does not support OAuth authentication", info.DisplayName),
			Hint:    "use an API key instead",
			HelpURL: info.HelpURL,
		}
	}
	if creds.AccessToken == "" {
		return &Error{Field: "access_token", Message: "access token is empty"}
	}
	if len(creds.AccessToken) > maxKeyLength {
		return &Error{Field: "access_token", Message: fmt.Sprintf("access token exceeds %d characters", maxKeyLength)}
	}
	if strings.ContainsAny(creds.AccessToken, " \t\n\r") {
		return &Error{
			Field:   "access_token",
			Message: "access token contains whitespace",
			Hint:    "re-copy the token; it may have wrapped during paste",
		}
	}
	if !creds.ExpiresAt.IsZero() && creds.ExpiresAt.Before(time.Now()) {
		return &Error{
			Field:   "expires_at",
			Message: "token is already expired",
			Hint:    "re-run the OAuth flow to obtain a fresh token",
		}
	}
	return nil
}

// ValidateProjectID checks a cloud project identifier.
func (v *Validator) ValidateProjectID(projectID string) error {
	if projectID == "" {
		return &Error{Field: "project_id", Message: "project ID is empty"}
	}
	if len(projectID) > maxProjectIDLength {
		return &Error{Field: "project_id", Message: fmt.Sprintf("project ID exceeds %d characters", maxProjectIDLength)}
	}
	if !projectIDPattern.MatchString(projectID) {
		return &Error{
			Field:   "project_id",
			Message: "project ID has an invalid format",
			Hint:    "project IDs are 6-30 lowercase letters, digits and hyphens, starting with a letter",
		}
	}
	return nil
}

// ValidateForStorage runs the full pre-persist check for a provider's
// credentials: sanitized format, blocklist membership, OAuth soundness and
// project ID where required. A blocklist hit is a hard failure regardless
// of format correctness.
func (v *Validator) ValidateForStorage(providerID string, creds credential.Credentials) error {
	info := provider.Get(providerID)
	if info == nil {
		return &Error{
			Field:   "provider",
			Message: fmt.Sprintf("unknown provider %q", providerID),
			Hint:    "supported providers: " + strings.Join(provider.IDs(), ", "),
		}
	}

	switch creds.Method() {
	case credential.MethodAPIKey:
		if err := v.ValidateAPIKeyFormat(providerID, creds.APIKey); err != nil {
			return err
		}
		if v.IsCompromised(creds.APIKey) {
			return &Error{
				Field:   "api_key",
				Message: "this API key appears on a compromised-key blocklist",
				Hint:    "revoke the key with the provider and generate a new one",
				HelpURL: info.HelpURL,
			}
		}
	default:
		if err := v.ValidateOAuthToken(providerID, creds); err != nil {
			return err
		}
		if v.IsCompromised(creds.AccessToken) {
			return &Error{
				Field:   "access_token",
				Message: "this token appears on a compromised-key blocklist",
				Hint:    "revoke the grant with the provider and re-authenticate",
				HelpURL: info.HelpURL,
			}
		}
	}

	if info.RequiresProjectID && creds.ProjectID != "" {
		if err := v.ValidateProjectID(creds.ProjectID); err != nil {
			return err
		}
	}
	return nil
}
