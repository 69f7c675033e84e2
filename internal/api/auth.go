package api

import (
	"net/http"
	"time"

	"github.com/rycode-ai/authcore/internal/credential"
	"github.com/rycode-ai/authcore/internal/manager"
)

// AuthenticateReq is the JSON body for POST /v1/auth/{provider}.
type AuthenticateReq struct {
	APIKey       string    `json:"api_key,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	ProjectID    string    `json:"project_id,omitempty"`
	Save         bool      `json:"save"`
}

func (d *Dependencies) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")

	var req AuthenticateReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	status, err := d.Manager.Authenticate(r.Context(), manager.Request{
		Provider: providerID,
		Credentials: credential.Credentials{
			APIKey:       req.APIKey,
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
			ExpiresAt:    req.ExpiresAt,
			ProjectID:    req.ProjectID,
		},
		SaveCredentials: req.Save,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Dependencies) handleLogout(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")

	removed, err := d.Manager.Logout(r.Context(), providerID)
	if err != nil {
		d.writeError(w, err)
		return
	}
	if !removed {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "no stored credential for " + providerID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// RefreshReq is the JSON body for POST /v1/auth/{provider}/refresh.
type RefreshReq struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

func (d *Dependencies) handleRefreshOAuth(w http.ResponseWriter, r *http.Request) {
	providerID := r.PathValue("provider")

	var req RefreshReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}

	rec, err := d.Manager.RefreshOAuth(r.Context(), providerID, manager.TokenSet{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":   rec.Provider,
		"expires_at": rec.ExpiresAt,
	})
}

func (d *Dependencies) handleAutoDetect(w http.ResponseWriter, r *http.Request) {
	findings := d.Manager.AutoDetect(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}
