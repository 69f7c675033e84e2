package api

import "net/http"

func (d *Dependencies) handleAllStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := d.Manager.AllStatus(r.Context())
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": statuses})
}

func (d *Dependencies) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.Manager.Status(r.Context(), r.PathValue("provider"))
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := d.Manager.HealthCheck(r.Context())
	if err != nil {
		d.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (d *Dependencies) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	task := r.URL.Query().Get("task")
	recs, err := d.Manager.Recommend(r.Context(), task)
	if err != nil {
		d.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}
