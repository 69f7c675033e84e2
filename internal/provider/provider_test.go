package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rycode-ai/authcore/internal/credential"
)

func TestCatalog(t *testing.T) {
	ids := IDs()
	if len(ids) != 4 {
		t.Fatalf("expected 4 providers, got %v", ids)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i-1] >= ids[i] {
			t.Errorf("IDs not sorted: %v", ids)
		}
	}
	for _, id := range ids {
		info := Get(id)
		if info == nil || info.ID != id {
			t.Fatalf("catalog entry mismatch for %s", id)
		}
		if info.KeyPattern == nil || info.KeyHint == "" || info.HelpURL == "" {
			t.Errorf("%s missing key metadata", id)
		}
		if len(info.DefaultModels) == 0 {
			t.Errorf("%s has no default models", id)
		}
	}
	if Known("nonexistent") {
		t.Error("unknown provider reported as known")
	}
	if Get("nonexistent") != nil {
		t.Error("Get should return nil for unknown provider")
	}
}

func testVerifier(t *testing.T, id string, handler http.HandlerFunc) *HTTPVerifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	info := *Get(id)
	info.BaseURL = srv.URL
	return NewHTTPVerifier(&info, 5*time.Second)
}

func TestVerifyParsesModelList(t *testing.T) {
	v := testVerifier(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	})

	models, err := v.Verify(context.Background(), credential.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("models = %v", models)
	}
}

func TestVerifyAnthropicHeaders(t *testing.T) {
	v := testVerifier(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		w.Write([]byte(`{"data":[{"id":"claude-sonnet-4"}]}`))
	})

	if _, err := v.Verify(context.Background(), credential.Credentials{APIKey: "sk-ant-test"}); err != nil {
		t.Fatal(err)
	}
}

func TestVerifyGoogleProjectHeader(t *testing.T) {
	v := testVerifier(t, "google", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "AIza-test" {
			t.Errorf("x-goog-api-key = %q", got)
		}
		if got := r.Header.Get("x-goog-user-project"); got != "my-project" {
			t.Errorf("project header = %q", got)
		}
		w.Write([]byte(`{"models":[{"name":"gemini-2.5-pro"}]}`))
	})

	models, err := v.Verify(context.Background(), credential.Credentials{
		APIKey:    "AIza-test",
		ProjectID: "my-project",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != 1 || models[0] != "gemini-2.5-pro" {
		t.Errorf("models = %v", models)
	}
}

func TestVerifyOAuthBearerFallback(t *testing.T) {
	v := testVerifier(t, "anthropic", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-token" {
			t.Errorf("auth header = %q", got)
		}
		w.Write([]byte(`{}`))
	})

	models, err := v.Verify(context.Background(), credential.Credentials{AccessToken: "access-token"})
	if err != nil {
		t.Fatal(err)
	}
	// Empty model list falls back to the catalog defaults.
	if len(models) != len(Get("anthropic").DefaultModels) {
		t.Errorf("expected default models, got %v", models)
	}
}

func TestVerifyClassifiesHTTPFailure(t *testing.T) {
	tests := []struct {
		name string
		code int
	}{
		{"unauthorized", http.StatusUnauthorized},
		{"forbidden", http.StatusForbidden},
		{"rate limited", http.StatusTooManyRequests},
		{"server error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := testVerifier(t, "openai", func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no", tt.code)
			})
			_, err := v.Verify(context.Background(), credential.Credentials{APIKey: "sk-test"})
			var herr *HTTPError
			if !errors.As(err, &herr) {
				t.Fatalf("expected HTTPError, got %v", err)
			}
			if herr.StatusCode != tt.code || herr.Provider != "openai" {
				t.Errorf("unexpected error: %+v", herr)
			}
		})
	}
}

func TestVerifyUnparseableBodyFallsBack(t *testing.T) {
	v := testVerifier(t, "openai", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})
	models, err := v.Verify(context.Background(), credential.Credentials{APIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	if len(models) != len(Get("openai").DefaultModels) {
		t.Errorf("expected catalog fallback, got %v", models)
	}
}

func TestDefaultVerifierRegistryCoversCatalog(t *testing.T) {
	r := NewDefaultVerifierRegistry(time.Second)
	for _, id := range IDs() {
		if r.Get(id) == nil {
			t.Errorf("no verifier registered for %s", id)
		}
	}
	if r.Get("nonexistent") != nil {
		t.Error("unknown provider should have no verifier")
	}
}
