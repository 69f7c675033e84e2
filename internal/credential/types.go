package credential

import "time"

// Method is how a provider is authenticated.
type Method string

const (
	MethodAPIKey Method = "api-key"
	MethodOAuth  Method = "oauth"
	MethodCLI    Method = "cli"
)

// Credentials is the material a caller submits for authentication. Exactly
// one of APIKey or AccessToken is expected to be set.
type Credentials struct {
	APIKey       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProjectID    string
}

// Method derives the authentication method from which fields are populated.
func (c Credentials) Method() Method {
	if c.APIKey != "" {
		return MethodAPIKey
	}
	return MethodOAuth
}

// Record is the persisted shape of one provider's credential. API-key
// records carry only the sanitized key; OAuth records carry the token set
// as a unit, never partially.
type Record struct {
	Provider     string    `json:"provider"`
	Method       Method    `json:"method"`
	APIKey       string    `json:"api_key,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	ProjectID    string    `json:"project_id,omitempty"`
	Models       []string  `json:"models,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// Expired reports whether an OAuth record's access token has passed its
// expiry. API-key records never expire.
func (r *Record) Expired(now time.Time) bool {
	if r.Method != MethodOAuth || r.ExpiresAt.IsZero() {
		return false
	}
	return now.After(r.ExpiresAt)
}
