package manager

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/rycode-ai/authcore/internal/provider"
	"github.com/rycode-ai/authcore/internal/validate"
)

// envKeySources lists well-known environment variables per provider, in
// preference order.
var envKeySources = map[string][]string{
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"openai":     {"OPENAI_API_KEY"},
	"google":     {"GOOGLE_API_KEY", "GEMINI_API_KEY"},
	"openrouter": {"OPENROUTER_API_KEY"},
}

// Finding is one auto-detected credential. Key is the raw value; callers
// decide whether to authenticate with it.
type Finding struct {
	Provider string `json:"provider"`
	EnvVar   string `json:"env_var"`
	Valid    bool   `json:"valid"`
	Message  string `json:"message,omitempty"`
	Key      string `json:"-"`
}

// AutoDetect scans the environment for provider API keys and validates
// their format. It does not store or verify anything.
func (m *Manager) AutoDetect(ctx context.Context) []Finding {
	var findings []Finding
	for _, providerID := range provider.IDs() {
		for _, envVar := range envKeySources[providerID] {
			raw := os.Getenv(envVar)
			if raw == "" {
				continue
			}
			key := validate.SanitizeAPIKey(raw)
			f := Finding{Provider: providerID, EnvVar: envVar, Key: key}
			if err := m.rc.Validator.ValidateAPIKeyFormat(providerID, key); err != nil {
				f.Message = err.Error()
			} else {
				f.Valid = true
			}
			findings = append(findings, f)
			m.logger.Info("credential detected in environment",
				zap.String("provider", providerID),
				zap.String("env_var", envVar),
				zap.Bool("valid_format", f.Valid),
			)
			break // first matching variable wins for a provider
		}
	}
	return findings
}
