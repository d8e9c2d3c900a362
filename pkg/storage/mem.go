package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/ids"
	"github.com/brwyatt/dffmpeg/pkg/types"
)

// MemRepository is an in-process, map-backed Repository used by unit tests
// and the concurrency tests that race N goroutines against
// jobs_assign_one. A single mutex serializes every operation; this
// repository is not meant for production load, only for exercising the
// invariants the real engines must also uphold.
type MemRepository struct {
	mu sync.Mutex

	identities map[string]*types.Identity
	workers    map[string]*types.Worker
	jobs       map[string]*types.Job
	logs       map[string][]*types.LogChunk
	downlink   map[string][]*types.DownlinkMessage

	waiters map[string][]chan struct{}
}

// NewMemRepository returns an empty MemRepository.
func NewMemRepository() *MemRepository {
	return &MemRepository{
		identities: make(map[string]*types.Identity),
		workers:    make(map[string]*types.Worker),
		jobs:       make(map[string]*types.Job),
		logs:       make(map[string][]*types.LogChunk),
		downlink:   make(map[string][]*types.DownlinkMessage),
		waiters:    make(map[string][]chan struct{}),
	}
}

func (r *MemRepository) Close() error { return nil }

// --- Identities ---------------------------------------------------------

func (r *MemRepository) IdentityPut(_ context.Context, identity *types.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *identity
	r.identities[identity.ClientID] = &cp
	return nil
}

func (r *MemRepository) IdentityGet(_ context.Context, clientID string) (*types.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.identities[clientID]
	if !ok {
		return nil, apperrors.NewNotFoundError("identity")
	}
	cp := *id
	return &cp, nil
}

func (r *MemRepository) IdentityDelete(_ context.Context, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.identities, clientID)
	return nil
}

func (r *MemRepository) IdentityList(_ context.Context) ([]*types.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Identity, 0, len(r.identities))
	for _, id := range r.identities {
		cp := *id
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

// --- Workers -------------------------------------------------------------

func (r *MemRepository) WorkerRegister(_ context.Context, reg WorkerRegistration, now time.Time) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.workers[reg.WorkerID]
	if !exists {
		w = &types.Worker{
			WorkerID:     reg.WorkerID,
			RegisteredAt: now,
		}
		r.workers[reg.WorkerID] = w
	}
	w.Status = types.WorkerOnline
	w.LastSeenAt = now
	w.RegistrationIntervalS = reg.RegistrationIntervalS
	w.Version = reg.Version
	w.AdvertisedBinaries = append([]string(nil), reg.AdvertisedBinaries...)
	w.AdvertisedVariables = append([]string(nil), reg.AdvertisedVariables...)
	w.TransportChoice = reg.TransportChoice

	cp := *w
	return &cp, nil
}

func (r *MemRepository) WorkerHeartbeat(_ context.Context, workerID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return apperrors.NewNotFoundError("worker")
	}
	w.LastSeenAt = now
	return nil
}

func (r *MemRepository) WorkerMarkOffline(_ context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return apperrors.NewNotFoundError("worker")
	}
	w.Status = types.WorkerOffline
	return nil
}

func (r *MemRepository) WorkerGet(_ context.Context, workerID string) (*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, apperrors.NewNotFoundError("worker")
	}
	cp := *w
	return &cp, nil
}

func (r *MemRepository) WorkerList(_ context.Context) ([]*types.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// --- Jobs ------------------------------------------------------------

func (r *MemRepository) JobsSubmit(_ context.Context, job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	cp.State = types.JobPending
	cp.StateEnteredAt = job.CreatedAt
	r.jobs[job.JobID] = &cp
	return nil
}

func containsAll(have []string, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, v := range have {
		set[v] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	if len(set) == 0 {
		return true // empty restriction set means unrestricted
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// JobsAssignOne implements the atomic scheduling primitive
// against the in-memory map. The whole repository mutex is held for the
// duration, which is the in-memory analogue of the single transaction the
// real engines wrap this in.
func (r *MemRepository) JobsAssignOne(_ context.Context, candidateWorkers []string, allowedBinaries []string, now time.Time) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := make([]*types.Job, 0)
	for _, j := range r.jobs {
		if j.State == types.JobPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].JobID < pending[j].JobID })

	for _, job := range pending {
		if !contains(allowedBinaries, job.Binary) {
			continue
		}

		var eligible []*types.Worker
		for _, w := range r.workers {
			if w.Status != types.WorkerOnline {
				continue
			}
			if len(candidateWorkers) > 0 && !contains(candidateWorkers, w.WorkerID) {
				continue
			}
			if !contains(w.AdvertisedBinaries, job.Binary) {
				continue
			}
			if !containsAll(w.AdvertisedVariables, job.RequiredVariables) {
				continue
			}
			eligible = append(eligible, w)
		}
		if len(eligible) == 0 {
			continue
		}

		sort.Slice(eligible, func(i, j int) bool {
			ci, cj := len(eligible[i].RunningJobIDs), len(eligible[j].RunningJobIDs)
			if ci != cj {
				return ci < cj
			}
			return eligible[i].WorkerID < eligible[j].WorkerID
		})

		chosen := eligible[0]
		job.State = types.JobAssigned
		job.AssigneeID = chosen.WorkerID
		job.AssignedAt = now
		job.StateEnteredAt = now
		chosen.RunningJobIDs = append(chosen.RunningJobIDs, job.JobID)

		return &Assignment{JobID: job.JobID, WorkerID: chosen.WorkerID}, nil
	}

	return nil, nil
}

func (r *MemRepository) JobTransition(_ context.Context, jobID string, from []types.JobState, to types.JobState, extra JobTransitionFields, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return apperrors.NewNotFoundError("job")
	}
	if job.State.Terminal() {
		return apperrors.NewConflictError("job is in a terminal state")
	}
	if !stateIn(job.State, from) {
		return apperrors.NewConflictError("job state no longer matches expected set")
	}

	previousAssignee := job.AssigneeID

	job.State = to
	job.StateEnteredAt = now

	if extra.AssigneeID != nil {
		job.AssigneeID = *extra.AssigneeID
	}
	if extra.AssignedAt != nil {
		job.AssignedAt = *extra.AssignedAt
	}
	if extra.StartedAt != nil {
		job.StartedAt = *extra.StartedAt
	}
	if extra.EndedAt != nil {
		job.EndedAt = *extra.EndedAt
	}
	if extra.ExitCode != nil {
		job.ExitCode = extra.ExitCode
	}
	if extra.FailureKind != "" {
		job.FailureKind = extra.FailureKind
	}
	if extra.TransportChoice != nil {
		job.TransportChoice = *extra.TransportChoice
	}

	if to.Terminal() || (to == types.JobPending && extra.AssigneeID != nil) {
		r.removeRunningJob(previousAssignee, jobID)
	}

	return nil
}

func stateIn(s types.JobState, set []types.JobState) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func (r *MemRepository) removeRunningJob(workerID, jobID string) {
	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	out := w.RunningJobIDs[:0]
	for _, id := range w.RunningJobIDs {
		if id != jobID {
			out = append(out, id)
		}
	}
	w.RunningJobIDs = out
}

func (r *MemRepository) JobHeartbeat(_ context.Context, jobID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return apperrors.NewNotFoundError("job")
	}
	if !stateIn(job.State, []types.JobState{types.JobAssigned, types.JobRunning, types.JobCanceling}) {
		return apperrors.NewConflictError("heartbeat only valid while assigned, running or canceling")
	}
	if now.After(job.LastHeartbeatAt) {
		job.LastHeartbeatAt = now
	}
	return nil
}

// JobClientHeartbeat records a client-side liveness ping for an
// active-mode job; it is the counterpart to JobHeartbeat, which
// records the worker's.
func (r *MemRepository) JobClientHeartbeat(_ context.Context, jobID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return apperrors.NewNotFoundError("job")
	}
	if job.Mode != types.ModeActive {
		return apperrors.NewValidationError("client heartbeat only valid for active-mode jobs")
	}
	if job.State.Terminal() {
		return apperrors.NewConflictError("job already in a terminal state")
	}
	if now.After(job.LastClientHeartbeat) {
		job.LastClientHeartbeat = now
	}
	return nil
}

func (r *MemRepository) JobAppendLog(_ context.Context, jobID string, lines []LogLine) (int64, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return 0, 0, apperrors.NewNotFoundError("job")
	}

	existing := r.logs[jobID]
	next := int64(len(existing))
	first := next
	for _, l := range lines {
		r.logs[jobID] = append(r.logs[jobID], &types.LogChunk{
			JobID:     jobID,
			Seq:       next,
			Stream:    l.Stream,
			Text:      l.Text,
			EmittedAt: l.EmittedAt,
		})
		next++
	}
	return first, next - 1, nil
}

func (r *MemRepository) JobGet(_ context.Context, jobID string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, apperrors.NewNotFoundError("job")
	}
	cp := *job
	return &cp, nil
}

func (r *MemRepository) JobsQuery(_ context.Context, filter JobFilter, limit int) ([]*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*types.Job, 0)
	for _, job := range r.jobs {
		if filter.SubmitterID != "" && job.SubmitterID != filter.SubmitterID {
			continue
		}
		if filter.WorkerID != "" && job.AssigneeID != filter.WorkerID {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if !filter.Since.IsZero() && job.CreatedAt.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && job.CreatedAt.After(filter.Until) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemRepository) JobLogs(_ context.Context, jobID string, afterSeq int64, limit int) ([]*types.LogChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chunks := r.logs[jobID]
	out := make([]*types.LogChunk, 0)
	for _, c := range chunks {
		if c.Seq <= afterSeq {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- Downlink --------------------------------------------------------

func (r *MemRepository) DownlinkEnqueue(_ context.Context, msg *types.DownlinkMessage) error {
	r.mu.Lock()
	if msg.MessageID == "" {
		msg.MessageID = ids.New()
	}
	cp := *msg
	r.downlink[msg.RecipientID] = append(r.downlink[msg.RecipientID], &cp)
	waiters := r.waiters[msg.RecipientID]
	delete(r.waiters, msg.RecipientID)
	r.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

// DownlinkDrain implements the poll side of the http_polling transport: it
// returns immediately if messages are queued, otherwise it suspends until
// either a message arrives or waitUntil elapses.
func (r *MemRepository) DownlinkDrain(ctx context.Context, recipient string, max int, waitUntil time.Time) ([]*types.DownlinkMessage, error) {
	for {
		r.mu.Lock()
		queue := r.downlink[recipient]
		if len(queue) > 0 {
			n := len(queue)
			if max > 0 && n > max {
				n = max
			}
			out := queue[:n]
			r.downlink[recipient] = queue[n:]
			r.mu.Unlock()
			return out, nil
		}

		remaining := time.Until(waitUntil)
		if remaining <= 0 {
			r.mu.Unlock()
			return nil, nil
		}

		wake := make(chan struct{})
		r.waiters[recipient] = append(r.waiters[recipient], wake)
		r.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		}
	}
}

// DownlinkExpire drops undelivered messages older than cutoff. Drain
// already removes what it hands out, so delivered messages never linger
// in this engine.
func (r *MemRepository) DownlinkExpire(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for recipient, queue := range r.downlink {
		kept := queue[:0]
		for _, msg := range queue {
			if msg.CreatedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		if len(kept) == 0 {
			delete(r.downlink, recipient)
			continue
		}
		r.downlink[recipient] = kept
	}
	return removed, nil
}
