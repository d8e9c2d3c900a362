// Package janitor implements the Coordinator's janitor: a periodic
// background task enforcing liveness by timing out stale workers and jobs.
package janitor

import (
	"context"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/rs/zerolog"
)

// Config bounds every sweep's timeout thresholds.
type Config struct {
	// Tick is how often a full sweep pass runs. Default 10s.
	Tick time.Duration
	// WorkerThresholdFactor multiplies a worker's own
	// registration_interval_s to get S1's staleness threshold.
	WorkerThresholdFactor float64
	// JobAssignmentTimeout bounds S2 (assigned -> pending revert) and,
	// reused by S5, the canceling -> canceled force-timeout.
	JobAssignmentTimeout time.Duration
	// JobHeartbeatThresholdFactor multiplies a job's own
	// heartbeat_interval_s to get S3's staleness threshold.
	JobHeartbeatThresholdFactor float64
	// JobPendingTimeout bounds S4 (pending -> failed/no_eligible_worker).
	JobPendingTimeout time.Duration
	// ClientHeartbeatThresholdFactor multiplies an active-mode job's own
	// heartbeat_interval_s to get S6's staleness threshold.
	ClientHeartbeatThresholdFactor float64
	// DownlinkTTL bounds S7: queued downlink messages nobody drained are
	// deleted once older than this. Zero disables the sweep.
	DownlinkTTL time.Duration
}

// DefaultConfig returns the stock sweep thresholds.
func DefaultConfig() Config {
	return Config{
		Tick:                           10 * time.Second,
		WorkerThresholdFactor:          1.5,
		JobAssignmentTimeout:           30 * time.Second,
		JobHeartbeatThresholdFactor:    1.5,
		JobPendingTimeout:              30 * time.Second,
		ClientHeartbeatThresholdFactor: 2.0,
		DownlinkTTL:                    15 * time.Minute,
	}
}

// Janitor runs sweeps S1-S7 on its own ticker. Every sweep is a sequence
// of single-row conditional transitions, so a failure on one row never
// aborts the sweep and running a sweep twice back-to-back is a no-op once
// the first pass has already rectified everything.
type Janitor struct {
	repo   storage.Repository
	cfg    Config
	logger zerolog.Logger
	// wake, if set, is called whenever a sweep makes a job eligible for
	// (re-)scheduling, e.g. S1/S2 reverting a job to pending.
	wake func()

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Janitor over repo. wake may be nil.
func New(repo storage.Repository, cfg Config, wake func()) *Janitor {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if wake == nil {
		wake = func() {}
	}
	return &Janitor{
		repo:   repo,
		cfg:    cfg,
		logger: log.WithComponent("janitor"),
		wake:   wake,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the janitor's ticker loop in a new goroutine.
func (j *Janitor) Start() {
	go j.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *Janitor) run() {
	defer close(j.doneCh)
	ticker := time.NewTicker(j.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce()
		case <-j.stopCh:
			return
		}
	}
}

// RunOnce executes sweeps S1-S7 in order. Exported so tests and other
// callers can force an off-ticker pass.
func (j *Janitor) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	now := time.Now()

	j.sweepWorkerLiveness(ctx, now)
	j.sweepAssignmentTimeout(ctx, now)
	j.sweepHeartbeatTimeout(ctx, now)
	j.sweepPendingTimeout(ctx, now)
	j.sweepCancelingTimeout(ctx, now)
	j.sweepClientHeartbeatTimeout(ctx, now)
	j.sweepDownlinkExpiry(ctx, now)
}

func clearAssignee() *string {
	s := ""
	return &s
}

// sweepWorkerLiveness is S1: an online worker that hasn't been seen
// within threshold is marked offline; its running jobs fail with
// worker_lost, its assigned jobs revert to pending.
func (j *Janitor) sweepWorkerLiveness(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S1_worker_liveness").Inc()

	workers, err := j.repo.WorkerList(ctx)
	if err != nil {
		j.logger.Error().Err(err).Msg("S1: failed to list workers")
		return
	}

	for _, w := range workers {
		if w.Status != types.WorkerOnline {
			continue
		}
		intervalS := w.RegistrationIntervalS
		if intervalS <= 0 {
			continue
		}
		threshold := time.Duration(j.cfg.WorkerThresholdFactor * float64(intervalS) * float64(time.Second))
		if now.Sub(w.LastSeenAt) <= threshold {
			continue
		}

		if err := j.repo.WorkerMarkOffline(ctx, w.WorkerID); err != nil {
			j.logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("S1: failed to mark worker offline")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues("S1_worker_liveness").Inc()
		j.logger.Warn().Str("worker_id", w.WorkerID).
			Dur("age", now.Sub(w.LastSeenAt)).Msg("worker_lost: marking offline")

		j.failRunningJobs(ctx, w.WorkerID, now, types.FailureWorkerLost)
		j.revertAssignedJobs(ctx, w.WorkerID, now, "S1_worker_liveness")
	}
}

func (j *Janitor) failRunningJobs(ctx context.Context, workerID string, now time.Time, kind types.FailureKind) {
	jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{WorkerID: workerID, State: types.JobRunning}, 0)
	if err != nil {
		j.logger.Error().Err(err).Str("worker_id", workerID).Msg("S1: failed to list running jobs")
		return
	}
	for _, job := range jobs {
		end := now
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			return j.repo.JobTransition(ctx, job.JobID, []types.JobState{types.JobRunning}, types.JobFailed,
				storage.JobTransitionFields{EndedAt: &end, FailureKind: kind}, now)
		})
		if err != nil {
			j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S1: failed to fail running job")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues("S1_worker_liveness").Inc()
	}
}

func (j *Janitor) revertAssignedJobs(ctx context.Context, workerID string, now time.Time, sweepLabel string) {
	jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{WorkerID: workerID, State: types.JobAssigned}, 0)
	if err != nil {
		j.logger.Error().Err(err).Str("worker_id", workerID).Msg("S1: failed to list assigned jobs")
		return
	}
	for _, job := range jobs {
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			return j.repo.JobTransition(ctx, job.JobID, []types.JobState{types.JobAssigned}, types.JobPending,
				storage.JobTransitionFields{AssigneeID: clearAssignee()}, now)
		})
		if err != nil {
			j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S1: failed to revert assigned job")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues(sweepLabel).Inc()
		j.wake()
	}
}

// sweepAssignmentTimeout is S2: a job stuck in assigned longer than
// JobAssignmentTimeout reverts to pending for reassignment. The retry
// count this implies is not a persisted field;
// it is only observable via this log line's age field.
func (j *Janitor) sweepAssignmentTimeout(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S2_assignment_timeout").Inc()

	jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{State: types.JobAssigned}, 0)
	if err != nil {
		j.logger.Error().Err(err).Msg("S2: failed to list assigned jobs")
		return
	}
	for _, job := range jobs {
		age := now.Sub(job.AssignedAt)
		if age <= j.cfg.JobAssignmentTimeout {
			continue
		}
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			return j.repo.JobTransition(ctx, job.JobID, []types.JobState{types.JobAssigned}, types.JobPending,
				storage.JobTransitionFields{AssigneeID: clearAssignee()}, now)
		})
		if err != nil {
			j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S2: failed to revert timed-out assignment")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues("S2_assignment_timeout").Inc()
		j.logger.Info().Str("job_id", job.JobID).Str("event", "assignment_timeout_reverted").
			Dur("age", age).Msg("assignment timed out, reverted to pending")
		j.wake()
	}
}

// sweepHeartbeatTimeout is S3: a running or canceling job whose heartbeat
// has gone stale fails with heartbeat_lost.
func (j *Janitor) sweepHeartbeatTimeout(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S3_heartbeat_timeout").Inc()

	for _, state := range []types.JobState{types.JobRunning, types.JobCanceling} {
		jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{State: state}, 0)
		if err != nil {
			j.logger.Error().Err(err).Str("state", string(state)).Msg("S3: failed to list jobs")
			continue
		}
		for _, job := range jobs {
			intervalS := job.HeartbeatIntervalS
			if intervalS <= 0 {
				continue
			}
			threshold := time.Duration(j.cfg.JobHeartbeatThresholdFactor * float64(intervalS) * float64(time.Second))
			if now.Sub(job.LastHeartbeatAt) <= threshold {
				continue
			}
			end := now
			err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
				return j.repo.JobTransition(ctx, job.JobID, []types.JobState{state}, types.JobFailed,
					storage.JobTransitionFields{EndedAt: &end, FailureKind: types.FailureHeartbeatLost}, now)
			})
			if err != nil {
				j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S3: failed to fail heartbeat-lost job")
				continue
			}
			metrics.JanitorActionsTotal.WithLabelValues("S3_heartbeat_timeout").Inc()
			j.wake()
		}
	}
}

// sweepPendingTimeout is S4: a pending job that has waited longer than
// JobPendingTimeout fails with no_eligible_worker.
func (j *Janitor) sweepPendingTimeout(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S4_pending_timeout").Inc()

	jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{State: types.JobPending}, 0)
	if err != nil {
		j.logger.Error().Err(err).Msg("S4: failed to list pending jobs")
		return
	}
	for _, job := range jobs {
		if now.Sub(job.CreatedAt) <= j.cfg.JobPendingTimeout {
			continue
		}
		end := now
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			return j.repo.JobTransition(ctx, job.JobID, []types.JobState{types.JobPending}, types.JobFailed,
				storage.JobTransitionFields{EndedAt: &end, FailureKind: types.FailureNoEligibleWorker}, now)
		})
		if err != nil {
			j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S4: failed to fail stale pending job")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues("S4_pending_timeout").Inc()
	}
}

// sweepCancelingTimeout is S5: a canceling job that hasn't reached a
// terminal state within JobAssignmentTimeout is force-canceled. This is
// also the sole resolution path for a canceling job whose assignee goes
// offline mid-cancel: S1 only acts on assigned/
// running rows, so a canceling job is left untouched until S5 fires.
func (j *Janitor) sweepCancelingTimeout(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S5_canceling_timeout").Inc()

	jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{State: types.JobCanceling}, 0)
	if err != nil {
		j.logger.Error().Err(err).Msg("S5: failed to list canceling jobs")
		return
	}
	for _, job := range jobs {
		if now.Sub(job.StateEnteredAt) <= j.cfg.JobAssignmentTimeout {
			continue
		}
		end := now
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			return j.repo.JobTransition(ctx, job.JobID, []types.JobState{types.JobCanceling}, types.JobCanceled,
				storage.JobTransitionFields{EndedAt: &end}, now)
		})
		if err != nil {
			j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S5: failed to force-cancel job")
			continue
		}
		metrics.JanitorActionsTotal.WithLabelValues("S5_canceling_timeout").Inc()
	}
}

// sweepClientHeartbeatTimeout is S6: an active-mode job whose client-side heartbeat has gone stale is
// canceled, since an active job has no worker-side signal that the
// submitting client is still attached. Detached-mode jobs
// never set last_client_heartbeat and are untouched by this sweep. The
// baseline is the later of created_at and last_client_heartbeat, so a
// job isn't canceled before the client has had a chance to send its
// first heartbeat.
func (j *Janitor) sweepClientHeartbeatTimeout(ctx context.Context, now time.Time) {
	metrics.JanitorSweepsTotal.WithLabelValues("S6_client_heartbeat_timeout").Inc()

	for _, state := range []types.JobState{types.JobAssigned, types.JobRunning, types.JobCanceling} {
		jobs, err := j.repo.JobsQuery(ctx, storage.JobFilter{State: state}, 0)
		if err != nil {
			j.logger.Error().Err(err).Str("state", string(state)).Msg("S6: failed to list jobs")
			continue
		}
		for _, job := range jobs {
			if job.Mode != types.ModeActive || job.HeartbeatIntervalS <= 0 {
				continue
			}
			baseline := job.LastClientHeartbeat
			if baseline.Before(job.CreatedAt) {
				baseline = job.CreatedAt
			}
			threshold := time.Duration(j.cfg.ClientHeartbeatThresholdFactor * float64(job.HeartbeatIntervalS) * float64(time.Second))
			if now.Sub(baseline) <= threshold {
				continue
			}

			target := types.JobCanceled
			if state != types.JobCanceling {
				target = types.JobCanceling
			}
			err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
				return j.repo.JobTransition(ctx, job.JobID, []types.JobState{state}, target,
					storage.JobTransitionFields{}, now)
			})
			if err != nil {
				j.logger.Error().Err(err).Str("job_id", job.JobID).Msg("S6: failed to cancel client-heartbeat-lost job")
				continue
			}
			metrics.JanitorActionsTotal.WithLabelValues("S6_client_heartbeat_timeout").Inc()
			j.logger.Warn().Str("job_id", job.JobID).Msg("client_disconnected: canceling active-mode job")
		}
	}
}

// sweepDownlinkExpiry is S7: downlink messages are deleted after delivery
// or TTL. Drain handles the delivery half; this sweep reclaims messages
// addressed to a recipient that never came back for them (a
// decommissioned worker, or a broker-transport peer whose pushed copy was
// the only one it ever wanted).
func (j *Janitor) sweepDownlinkExpiry(ctx context.Context, now time.Time) {
	if j.cfg.DownlinkTTL <= 0 {
		return
	}
	metrics.JanitorSweepsTotal.WithLabelValues("S7_downlink_expiry").Inc()

	removed, err := j.repo.DownlinkExpire(ctx, now.Add(-j.cfg.DownlinkTTL))
	if err != nil {
		j.logger.Error().Err(err).Msg("S7: failed to expire downlink messages")
		return
	}
	if removed > 0 {
		metrics.JanitorActionsTotal.WithLabelValues("S7_downlink_expiry").Add(float64(removed))
		j.logger.Info().Int("removed", removed).Msg("expired stale downlink messages")
	}
}
