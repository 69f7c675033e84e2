// Package provider holds the static catalog of supported AI-model vendors
// and the verification collaborator that checks submitted credentials
// against the live provider.
package provider

import (
	"regexp"
	"sort"
)

// Info is the static capability metadata for one provider. Providers are
// configuration, not runtime-created.
type Info struct {
	ID                string
	DisplayName       string
	BaseURL           string
	KeyPattern        *regexp.Regexp
	KeyHint           string
	HelpURL           string
	SupportsOAuth     bool
	RequiresProjectID bool
	DefaultModels     []string
}

// catalog is keyed by provider ID. Key patterns mirror each vendor's
// published key shapes.
var catalog = map[string]*Info{
	"anthropic": {
		ID:            "anthropic",
		DisplayName:   "Anthropic",
		BaseURL:       "https://api.anthropic.com",
		KeyPattern:    regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{24,}$`),
		KeyHint:       "Anthropic keys start with \"sk-ant-\" followed by at least 24 characters",
		HelpURL:       "https://console.anthropic.com/settings/keys",
		SupportsOAuth: true,
		DefaultModels: []string{"claude-sonnet-4", "claude-opus-4", "claude-haiku-3-5"},
	},
	"openai": {
		ID:            "openai",
		DisplayName:   "OpenAI",
		BaseURL:       "https://api.openai.com",
		KeyPattern:    regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
		KeyHint:       "OpenAI keys start with \"sk-\" followed by at least 20 characters",
		HelpURL:       "https://platform.openai.com/api-keys",
		DefaultModels: []string{"gpt-4o", "gpt-4o-mini", "o3-mini"},
	},
	"google": {
		ID:                "google",
		DisplayName:       "Google",
		BaseURL:           "https://generativelanguage.googleapis.com",
		KeyPattern:        regexp.MustCompile(`^AIza[A-Za-z0-9_-]{30,}$`),
		KeyHint:           "Google AI keys start with \"AIza\" followed by at least 30 characters",
		HelpURL:           "https://aistudio.google.com/apikey",
		SupportsOAuth:     true,
		RequiresProjectID: true,
		DefaultModels:     []string{"gemini-2.5-pro", "gemini-2.5-flash"},
	},
	"openrouter": {
		ID:            "openrouter",
		DisplayName:   "OpenRouter",
		BaseURL:       "https://openrouter.ai/api",
		KeyPattern:    regexp.MustCompile(`^sk-or-[A-Za-z0-9_-]{20,}$`),
		KeyHint:       "OpenRouter keys start with \"sk-or-\"",
		HelpURL:       "https://openrouter.ai/keys",
		DefaultModels: []string{"auto"},
	},
}

// Get returns the catalog entry for id, or nil if the provider is unknown.
func Get(id string) *Info {
	return catalog[id]
}

// Known reports whether id names a supported provider.
func Known(id string) bool {
	_, ok := catalog[id]
	return ok
}

// IDs returns all supported provider IDs, sorted.
func IDs() []string {
	ids := make([]string, 0, len(catalog))
	for id := range catalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
