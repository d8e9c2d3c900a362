package api

import (
	"net/http"
	"time"
)

// handleDownlinkDrain is GET /api/v1/downlink (any authenticated peer;
// long-poll): drains queued DownlinkMessages addressed to the caller's
// own client_id, waiting up to the configured long-poll timeout for one
// to arrive if the queue is currently empty.
func (s *Server) handleDownlinkDrain(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())

	waitUntil := time.Now().Add(s.cfg.LongPollTimeout)
	messages, err := s.repo.DownlinkDrain(r.Context(), identity.ClientID, 0, waitUntil)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]DownlinkEnvelopeWire, len(messages))
	for i, m := range messages {
		env := m.Envelope()
		out[i] = DownlinkEnvelopeWire{
			ID:        env.ID,
			Kind:      string(env.Kind),
			CreatedAt: formatTime(env.CreatedAt),
			Schema:    env.Schema,
			Payload:   env.Payload,
		}
	}
	writeJSON(w, http.StatusOK, DownlinkDrainResponse{Messages: out})
}
