package api

import (
	"context"
	"net/http"
	"time"
)

// handleHealthz reports process liveness unconditionally: if the process
// can serve this request at all, it's alive. It never touches the
// repository: the Coordinator carries no authoritative in-memory state,
// so liveness and storage health are different questions.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the repository must answer a cheap query
// within a short deadline.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.repo.WorkerList(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
