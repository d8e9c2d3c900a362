package api

import (
	"net/http"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
)

// handleRegisterWorker is POST /api/v1/workers/register (worker):
// idempotent register/re-register/heartbeat, returning the negotiated
// transport.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	if err := requireRole(identity, types.RoleWorker); err != nil {
		writeError(w, err)
		return
	}

	var req RegisterWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WorkerID == "" {
		writeError(w, apperrors.NewValidationError("worker_id is required"))
		return
	}
	if err := requireOwnership(identity, req.WorkerID); err != nil {
		writeError(w, err)
		return
	}

	chosen := s.negotiate(req.Transports)

	worker, err := s.repo.WorkerRegister(r.Context(), storage.WorkerRegistration{
		WorkerID:              req.WorkerID,
		RegistrationIntervalS: req.RegistrationIntervalS,
		Version:               req.Version,
		AdvertisedBinaries:    req.AdvertisedBinaries,
		AdvertisedVariables:   req.AdvertisedVariables,
		TransportChoice:       chosen,
	}, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	s.wakeScheduler()

	writeJSON(w, http.StatusOK, RegisterWorkerResponse{
		WorkerID: worker.WorkerID,
		Status:   string(worker.Status),
		Chosen:   chosen,
	})
}

const workPollInterval = 250 * time.Millisecond

// handleWorkerWork is GET /api/v1/workers/{id}/work (worker; long-poll):
// blocks up to the configured long-poll timeout for an assigned job to
// appear. The repository has no per-worker wake channel (only
// DownlinkDrain's recipient waiters), so this polls at a short, fixed
// interval instead of suspending on a dedicated signal.
func (s *Server) handleWorkerWork(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	workerID := r.PathValue("id")
	if err := requireOwnership(identity, workerID); err != nil {
		writeError(w, err)
		return
	}

	deadline := time.Now().Add(s.cfg.LongPollTimeout)
	ticker := time.NewTicker(workPollInterval)
	defer ticker.Stop()

	for {
		jobs, err := s.repo.JobsQuery(r.Context(), storage.JobFilter{WorkerID: workerID, State: types.JobAssigned}, 0)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(jobs) > 0 || time.Now().After(deadline) {
			resp := WorkResponse{Jobs: make([]JobResponse, len(jobs))}
			for i, job := range jobs {
				resp.Jobs[i] = jobToWire(job)
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
