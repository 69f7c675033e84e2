package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rycode-ai/authcore/internal/audit"
	"github.com/rycode-ai/authcore/internal/cost"
)

// --- Cost ---

func (d *Dependencies) handleCostSummary(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Cost.GetSummary())
}

func (d *Dependencies) handleCostBreakdown(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	writeJSON(w, http.StatusOK, d.Cost.GetBreakdown(days))
}

func (d *Dependencies) handleCostTips(w http.ResponseWriter, _ *http.Request) {
	tips := d.Cost.SavingTips()
	if tips == nil {
		tips = []cost.Tip{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tips": tips})
}

// UsageReq is the JSON body for POST /v1/cost/usage, letting the caller
// book token usage per request.
type UsageReq struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (d *Dependencies) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	var req UsageReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "invalid JSON body"})
		return
	}
	if req.Provider == "" || req.Model == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "provider and model are required"})
		return
	}
	entry := d.Cost.Record(req.Provider, req.Model, req.InputTokens, req.OutputTokens)
	writeJSON(w, http.StatusOK, entry)
}

// --- Audit ---

func (d *Dependencies) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Provider: q.Get("provider"),
		Type:     audit.EventType(q.Get("type")),
	}
	if v := q.Get("min_risk"); v != "" {
		filter.MinRisk, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "since must be RFC3339"})
			return
		}
		filter.Since = since
	}

	events := d.Audit.Query(filter)
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": len(events)})
}

func (d *Dependencies) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Audit.GetSummary(r.URL.Query().Get("provider")))
}

func (d *Dependencies) handleSuspicious(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Audit.DetectSuspicious(r.PathValue("provider")))
}
