// Package api exposes the manager over HTTP for TUI/CLI callers:
// authentication, status, health, cost and audit endpoints.
package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/rycode-ai/authcore/internal/audit"
	"github.com/rycode-ai/authcore/internal/cost"
	"github.com/rycode-ai/authcore/internal/manager"
)

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Manager *manager.Manager
	Audit   *audit.Log
	Cost    *cost.Tracker
	Logger  *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Authentication lifecycle
	mux.HandleFunc("POST /v1/auth/{provider}", deps.handleAuthenticate)
	mux.HandleFunc("DELETE /v1/auth/{provider}", deps.handleLogout)
	mux.HandleFunc("POST /v1/auth/{provider}/refresh", deps.handleRefreshOAuth)
	mux.HandleFunc("POST /v1/auth/auto-detect", deps.handleAutoDetect)

	// Status & health
	mux.HandleFunc("GET /v1/status", deps.handleAllStatus)
	mux.HandleFunc("GET /v1/status/{provider}", deps.handleStatus)
	mux.HandleFunc("GET /v1/health", deps.handleHealth)

	// Cost tracking
	mux.HandleFunc("GET /v1/cost/summary", deps.handleCostSummary)
	mux.HandleFunc("GET /v1/cost/breakdown", deps.handleCostBreakdown)
	mux.HandleFunc("GET /v1/cost/tips", deps.handleCostTips)
	mux.HandleFunc("POST /v1/cost/usage", deps.handleRecordUsage)

	// Audit
	mux.HandleFunc("GET /v1/audit/events", deps.handleAuditEvents)
	mux.HandleFunc("GET /v1/audit/summary", deps.handleAuditSummary)
	mux.HandleFunc("GET /v1/audit/suspicious/{provider}", deps.handleSuspicious)

	// Recommendations
	mux.HandleFunc("GET /v1/recommendations", deps.handleRecommendations)

	// Liveness
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
