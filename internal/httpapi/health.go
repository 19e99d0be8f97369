package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// healthResponse reports the live status of every active poller and
// realtime topic, grounded on the teacher's aggregate HealthResponse
// shape (status/system/checks), trimmed to the fields this hub
// actually has: there is no provider registry here, only the two
// orchestrators.
type healthResponse struct {
	Status    string          `json:"status"`
	Timestamp time.Time       `json:"timestamp"`
	Pollers   []pollerHealth  `json:"pollers"`
	Realtime  []realtimeEntry `json:"realtime"`
}

type pollerHealth struct {
	Topic             string `json:"topic"`
	Status            string `json:"status"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
	LastError         string `json:"lastError,omitempty"`
}

type realtimeEntry struct {
	Topic             string `json:"topic"`
	Type              string `json:"type"`
	Status            string `json:"status"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now()}

	for _, h := range s.poller.Health() {
		resp.Pollers = append(resp.Pollers, pollerHealth{
			Topic:             h.Topic,
			Status:            h.Status,
			ConsecutiveErrors: h.ConsecutiveErrors,
			LastError:         h.LastError,
		})
		if h.Status != "healthy" {
			resp.Status = "degraded"
		}
	}

	for _, h := range s.realtime.Health() {
		resp.Realtime = append(resp.Realtime, realtimeEntry{
			Topic:             h.Topic,
			Type:              h.Type,
			Status:            h.Status,
			ReconnectAttempts: h.ReconnectAttempts,
		})
		if h.Status != "connected" {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
