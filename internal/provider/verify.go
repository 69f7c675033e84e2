package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rycode-ai/authcore/internal/credential"
)

// Verifier checks credentials against the live provider and returns the
// models they grant access to. Implementations classify HTTP failures as
// *HTTPError so callers can map them onto the authentication error taxonomy.
type Verifier interface {
	Verify(ctx context.Context, creds credential.Credentials) ([]string, error)
}

// HTTPError is a classified provider response. StatusCode carries the
// HTTP-style class (401/403/429/5xx) the caller maps to a typed reason.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: verification failed with status %d", e.Provider, e.StatusCode)
}

// VerifierRegistry maps provider IDs to their Verifier. Tests register
// fakes; production wiring registers HTTPVerifiers for each catalog entry.
type VerifierRegistry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewVerifierRegistry returns an empty registry.
func NewVerifierRegistry() *VerifierRegistry {
	return &VerifierRegistry{verifiers: make(map[string]Verifier)}
}

// NewDefaultVerifierRegistry returns a registry with an HTTPVerifier for
// every catalog provider.
func NewDefaultVerifierRegistry(timeout time.Duration) *VerifierRegistry {
	r := NewVerifierRegistry()
	for _, id := range IDs() {
		r.Register(id, NewHTTPVerifier(Get(id), timeout))
	}
	return r
}

// Register sets the verifier for a provider, replacing any existing one.
func (r *VerifierRegistry) Register(providerID string, v Verifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifiers[providerID] = v
}

// Get returns the verifier for a provider, or nil.
func (r *VerifierRegistry) Get(providerID string) Verifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.verifiers[providerID]
}

// HTTPVerifier probes the provider's model-list endpoint with the submitted
// credentials. A 200 means the credentials are valid and the body names the
// accessible models.
type HTTPVerifier struct {
	info   *Info
	client *http.Client
}

// NewHTTPVerifier creates a verifier for one provider with its own request
// timeout, enforced independently of any lock timeout.
func NewHTTPVerifier(info *Info, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPVerifier{
		info:   info,
		client: &http.Client{Timeout: timeout},
	}
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, creds credential.Credentials) ([]string, error) {
	url := v.info.BaseURL + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("Verify: %w", err)
	}
	v.setAuthHeader(req, creds)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Verify %s: %w", v.info.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPError{Provider: v.info.ID, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// Credentials verified; an unparseable model list falls back to the
		// catalog's known models.
		return v.info.DefaultModels, nil
	}

	models := make([]string, 0, len(result.Data)+len(result.Models))
	for _, m := range result.Data {
		models = append(models, m.ID)
	}
	for _, m := range result.Models {
		models = append(models, m.Name)
	}
	if len(models) == 0 {
		models = v.info.DefaultModels
	}
	return models, nil
}

// setAuthHeader applies the provider's auth convention.
func (v *HTTPVerifier) setAuthHeader(req *http.Request, creds credential.Credentials) {
	switch v.info.ID {
	case "anthropic":
		if creds.APIKey != "" {
			req.Header.Set("x-api-key", creds.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
		req.Header.Set("anthropic-version", "2023-06-01")
	case "google":
		if creds.APIKey != "" {
			req.Header.Set("x-goog-api-key", creds.APIKey)
		} else {
			req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
		}
		if creds.ProjectID != "" {
			req.Header.Set("x-goog-user-project", creds.ProjectID)
		}
	default:
		token := creds.APIKey
		if token == "" {
			token = creds.AccessToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
