// Package scheduler implements the Coordinator's scheduler: the
// single owner of the pending -> assigned transition. It matches the
// oldest pending jobs against eligible online workers and fires a
// job_assigned downlink for the winner.
package scheduler

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/log"
	"github.com/brwyatt/dffmpeg/pkg/metrics"
	"github.com/brwyatt/dffmpeg/pkg/storage"
	"github.com/brwyatt/dffmpeg/pkg/transport"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/rs/zerolog"
)

// Config bounds the scheduler's behavior.
type Config struct {
	// Tick is how often the scheduler runs even without a wake-up.
	// Defaults to 1s.
	Tick time.Duration
	// AllowedBinaries restricts which job.Binary values may ever be
	// scheduled; empty means unrestricted (global coordinator config).
	AllowedBinaries []string
}

// DefaultConfig returns the stock default tick.
func DefaultConfig() Config {
	return Config{Tick: time.Second}
}

// Scheduler runs the pending -> assigned matching loop. It is
// cooperative and idempotent: re-running it has no
// effect when no (job, worker) pair is viable, and concurrent passes are
// safe because JobsAssignOne is a single conditional update.
type Scheduler struct {
	repo       storage.Repository
	transports *transport.Registry
	cfg        Config
	logger     zerolog.Logger

	mu     sync.Mutex // serializes runOnce against concurrent Wake-triggered runs
	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Scheduler over repo. transports may be nil (e.g. in
// tests exercising the matching loop in isolation); push dispatch is
// simply skipped and assignees fall back to their work poll. Call Start
// to begin the loop.
func New(repo storage.Repository, transports *transport.Registry, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	return &Scheduler{
		repo:       repo,
		transports: transports,
		cfg:        cfg,
		logger:     log.WithComponent("scheduler"),
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the scheduler's ticker+wake-up loop in a new goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Wake requests an out-of-band scheduling pass (a job was submitted, or a
// worker went online / freed up a running slot). Multiple wake-ups before
// the loop services them coalesce into a single extra pass, since wakeCh
// is a buffered-size-1 channel.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce()
		case <-s.wakeCh:
			s.runOnce()
		case <-s.stopCh:
			return
		}
	}
}

// runOnce drains every viable (job, worker) pair currently available,
// rather than assigning just one per tick, so a burst of submissions
// doesn't wait multiple ticks to drain.
func (s *Scheduler) runOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		timer := metrics.NewTimer()
		var assignment *storage.Assignment
		err := apperrors.Retry(ctx, apperrors.DefaultRetryConfig, func() error {
			var innerErr error
			assignment, innerErr = s.repo.JobsAssignOne(ctx, nil, s.cfg.AllowedBinaries, time.Now())
			if innerErr != nil {
				metrics.SchedulerAssignConflictsTotal.Inc()
			}
			return innerErr
		})
		timer.ObserveDuration(metrics.SchedulingLatency)

		if err != nil {
			s.logger.Error().Err(err).Msg("jobs_assign_one failed")
			return
		}
		if assignment == nil {
			return
		}

		metrics.JobsAssignedTotal.Inc()
		s.logger.Info().
			Str("job_id", assignment.JobID).
			Str("worker_id", assignment.WorkerID).
			Msg("job assigned")

		s.notifyAssigned(ctx, assignment)
	}
}

// notifyAssigned enqueues the job_assigned downlink for the winning
// worker and, when the worker negotiated a push transport, dispatches it
// through the registry as well. Both halves are best-effort: the
// repository row is the authoritative record and the worker will pick up
// the assignment on its next work poll regardless.
func (s *Scheduler) notifyAssigned(ctx context.Context, a *storage.Assignment) {
	msg, err := types.NewDownlinkMessage(a.WorkerID, types.DownlinkJobAssigned, types.JobAssignedPayload{
		JobID:      a.JobID,
		AssigneeID: a.WorkerID,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", a.JobID).Msg("failed to build job_assigned payload")
		return
	}
	if err := s.repo.DownlinkEnqueue(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("job_id", a.JobID).Str("worker_id", a.WorkerID).
			Msg("failed to enqueue job_assigned downlink")
		return
	}

	if s.transports == nil {
		return
	}
	transportChoice := transport.HTTPPollingName
	if worker, err := s.repo.WorkerGet(ctx, a.WorkerID); err == nil && worker.TransportChoice != "" {
		transportChoice = worker.TransportChoice
	}
	if transportChoice == transport.HTTPPollingName {
		return
	}
	s.transports.Dispatch(ctx, transportChoice, msg)
}
