package api

import (
	"encoding/json"
	"net/http"

	"github.com/seantiz/forge/internal/scheduler"
)

type healthResponse struct {
	Status    string `json:"status"`
	Conduit   string `json:"conduit"`
	Resources int    `json:"resources"`
	Alive     int    `json:"alive"`
}

// handleHealthz reports degraded when every resource has been retired, since
// no further sample can be scheduled.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Conduit: s.engine.ConduitName()}
	for _, res := range s.engine.Resources() {
		resp.Resources++
		if res.State != scheduler.StateRetired {
			resp.Alive++
		}
	}

	status := http.StatusOK
	if resp.Alive == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encode healthz response", "error", err)
	}
}
