package api

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/ids"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/pathvar"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
)

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// authorizeJobRead allows the job's submitter, its current assignee, or
// an admin to read it.
func authorizeJobRead(identity *types.Identity, job *types.Job) error {
	if identity.Role == types.RoleAdmin {
		return nil
	}
	if identity.ClientID == job.SubmitterID || (job.AssigneeID != "" && identity.ClientID == job.AssigneeID) {
		return nil
	}
	return apperrors.NewForbiddenError("not a party to this job")
}

// handleSubmitJob is POST /api/v1/jobs (client).
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	if err := requireRole(identity, types.RoleClient); err != nil {
		writeError(w, err)
		return
	}

	var req SubmitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Binary == "" {
		writeError(w, apperrors.NewValidationError("binary is required"))
		return
	}
	if len(s.cfg.AllowedBinaries) > 0 && !contains(s.cfg.AllowedBinaries, req.Binary) {
		writeError(w, apperrors.NewValidationError("binary not in allowed_binaries"))
		return
	}

	mode := types.JobMode(req.Mode)
	if mode == "" {
		mode = types.ModeDetached
	}
	if mode != types.ModeActive && mode != types.ModeDetached {
		writeError(w, apperrors.NewValidationError("mode must be active or detached"))
		return
	}
	if mode == types.ModeActive && req.HeartbeatIntervalS <= 0 {
		writeError(w, apperrors.NewValidationError("heartbeat_interval_s is required for active-mode jobs"))
		return
	}

	argv := argvFromWire(req.Argv)
	if invalid, ok := pathvar.ValidateArgv(argv); !ok {
		writeError(w, apperrors.NewValidationError("invalid argv token").WithDetailsf("offending token: %s", invalid))
		return
	}

	transportChoice := s.negotiate(req.Transports)

	now := time.Now()
	job := &types.Job{
		JobID:              ids.New(),
		SubmitterID:        identity.ClientID,
		State:              types.JobPending,
		Binary:             req.Binary,
		Argv:               argv,
		RequiredVariables:  pathvar.RequiredVariables(argv),
		CreatedAt:          now,
		HeartbeatIntervalS: req.HeartbeatIntervalS,
		Mode:               mode,
		TransportChoice:    transportChoice,
	}

	if err := s.repo.JobsSubmit(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	metrics.JobsSubmittedTotal.Inc()
	s.wakeScheduler()

	writeJSON(w, http.StatusCreated, SubmitJobResponse{JobID: job.JobID, State: string(job.State)})
}

// negotiate resolves a peer's transport preference list against the
// registered transports, falling back to http_polling when no registry
// is wired (e.g. a unit test exercising the API in isolation).
func (s *Server) negotiate(preference []string) string {
	if s.transports == nil {
		return transportFallback
	}
	return s.transports.Negotiate(preference)
}

const transportFallback = "http_polling"

// handleGetJob is GET /api/v1/jobs/{id}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	job, err := s.repo.JobGet(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := authorizeJobRead(identity, job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToWire(job))
}

// handleCancelJob is POST /api/v1/jobs/{id}/cancel (client-submitter).
// pending -> canceled directly; assigned/running -> canceling, with a
// job_canceled downlink fired at the assignee; any other state is a
// no-op.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if identity.Role != types.RoleAdmin {
		if err := requireOwnership(identity, job.SubmitterID); err != nil {
			writeError(w, err)
			return
		}
	}

	now := time.Now()
	switch job.State {
	case types.JobPending:
		err = s.repo.JobTransition(r.Context(), jobID, []types.JobState{types.JobPending}, types.JobCanceled,
			storage.JobTransitionFields{EndedAt: &now}, now)
	case types.JobAssigned, types.JobRunning:
		err = s.repo.JobTransition(r.Context(), jobID, []types.JobState{job.State}, types.JobCanceling,
			storage.JobTransitionFields{}, now)
		if err == nil && job.AssigneeID != "" {
			s.notifyAssignee(r.Context(), job, types.DownlinkJobCanceled, types.JobCanceledPayload{JobID: jobID})
		}
	default:
		// Terminal or already canceling: no-op.
	}
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToWire(updated))
}

// notifyAssignee looks up job's assignee's negotiated transport and
// fires a downlink through it.
func (s *Server) notifyAssignee(ctx context.Context, job *types.Job, kind types.DownlinkKind, payload any) {
	transportChoice := transportFallback
	if worker, err := s.repo.WorkerGet(ctx, job.AssigneeID); err == nil && worker.TransportChoice != "" {
		transportChoice = worker.TransportChoice
	}
	s.notify(ctx, job.AssigneeID, kind, payload, transportChoice)
}

// handleJobHeartbeat is POST /api/v1/jobs/{id}/heartbeat (client,
// active-mode jobs only).
func (s *Server) handleJobHeartbeat(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireOwnership(identity, job.SubmitterID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.repo.JobClientHeartbeat(r.Context(), jobID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAcceptJob is POST /api/v1/jobs/{id}/accept (worker): assigned ->
// running.
func (s *Server) handleAcceptJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireOwnership(identity, job.AssigneeID); err != nil {
		writeError(w, err)
		return
	}

	now := time.Now()
	err = s.repo.JobTransition(r.Context(), jobID, []types.JobState{types.JobAssigned}, types.JobRunning,
		storage.JobTransitionFields{StartedAt: &now}, now)
	if err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToWire(updated))
}

// handleAppendLog is POST /api/v1/jobs/{id}/log (worker).
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireOwnership(identity, job.AssigneeID); err != nil {
		writeError(w, err)
		return
	}

	var req AppendLogRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	lines := make([]storage.LogLine, len(req.Lines))
	for i, l := range req.Lines {
		emitted, err := parseTime(l.EmittedAt)
		if err != nil {
			writeError(w, apperrors.NewValidationError("malformed emitted_at"))
			return
		}
		if emitted.IsZero() {
			emitted = time.Now()
		}
		lines[i] = storage.LogLine{Stream: types.LogStream(l.Stream), Text: l.Text, EmittedAt: emitted}
	}

	firstSeq, lastSeq, err := s.repo.JobAppendLog(r.Context(), jobID, lines)
	if err != nil {
		writeError(w, err)
		return
	}

	s.notify(r.Context(), job.SubmitterID, types.DownlinkLogAppend,
		types.LogAppendPayload{JobID: jobID, LastSeq: lastSeq, NumLines: len(lines)}, job.TransportChoice)

	writeJSON(w, http.StatusOK, AppendLogResponse{FirstSeq: firstSeq, LastSeq: lastSeq})
}

// handleProgress is POST /api/v1/jobs/{id}/progress (worker): a
// heartbeat with optional structured progress. The progress payload is
// not persisted; there's no storage column for it, only a worker
// liveness signal and a log line.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireOwnership(identity, job.AssigneeID); err != nil {
		writeError(w, err)
		return
	}

	var req ProgressRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.repo.JobHeartbeat(r.Context(), jobID, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Progress) > 0 {
		log.WithJobID(jobID).Debug().Interface("progress", req.Progress).Msg("progress update")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCompleteJob is POST /api/v1/jobs/{id}/complete (worker). The
// target state depends on the job's current state, not just exit_code:
// a job being canceled ends canceled even if the worker's exit code
// isn't 0.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	identity, _ := identityFromContext(r.Context())
	jobID := r.PathValue("id")
	job, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := requireOwnership(identity, job.AssigneeID); err != nil {
		writeError(w, err)
		return
	}

	var req CompleteJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var target types.JobState
	var failureKind types.FailureKind
	switch job.State {
	case types.JobCanceling:
		target = types.JobCanceled
	case types.JobRunning:
		if req.ExitCode == 0 {
			target = types.JobCompleted
		} else {
			target = types.JobFailed
		}
	default:
		writeError(w, apperrors.NewConflictError("job is not in a completable state"))
		return
	}

	now := time.Now()
	exitCode := req.ExitCode
	err = s.repo.JobTransition(r.Context(), jobID, []types.JobState{job.State}, target,
		storage.JobTransitionFields{EndedAt: &now, ExitCode: &exitCode, FailureKind: failureKind}, now)
	if err != nil {
		writeError(w, err)
		return
	}

	switch target {
	case types.JobCompleted:
		metrics.JobsCompletedTotal.Inc()
	case types.JobFailed:
		metrics.JobsFailedTotal.WithLabelValues(string(failureKind)).Inc()
	}

	s.notify(r.Context(), job.SubmitterID, types.DownlinkJobStateChanged,
		types.JobStateChangedPayload{JobID: jobID, State: target}, job.TransportChoice)
	s.wakeScheduler()

	updated, err := s.repo.JobGet(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToWire(updated))
}
