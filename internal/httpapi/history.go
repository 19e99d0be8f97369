package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// handleHistory serves GET /history?integrationId=...&metricKey=...&rangeSeconds=3600,
// proxying straight to the Metric History Recorder's resolution-fallback
// query path (§4.7).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	integrationID := q.Get("integrationId")
	metricKey := q.Get("metricKey")
	if integrationID == "" || metricKey == "" {
		http.Error(w, "integrationId and metricKey are required", http.StatusBadRequest)
		return
	}

	rangeSeconds := 3600
	if raw := q.Get("rangeSeconds"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			rangeSeconds = parsed
		}
	}

	result, err := s.history.Query(r.Context(), integrationID, metricKey, time.Duration(rangeSeconds)*time.Second)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
