package httpapi

import "net/http"

// handlePerfMemory reports rolling per-stage latency of the memory path.
func (s *Server) handlePerfMemory(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}
