package httpapi

import (
	"net/http"

	"github.com/antoniostano/secondbrain/internal/observability"
)

// handleLatency serves the rolling first-audio and transcription percentiles.
func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, observability.NewLatencyWindow(0).Snapshot())
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Latency.Snapshot())
}
