package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/ids"
	"github.com/brwyatt/dffmpeg/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketIdentities = []byte("identities")
	bucketWorkers    = []byte("workers")
	bucketJobs       = []byte("jobs")
	bucketLogs       = []byte("logs")     // nested: one sub-bucket per job_id
	bucketDownlink   = []byte("downlink") // nested: one sub-bucket per recipient_id
)

// BoltRepository implements Repository on top of an embedded bbolt
// database: one top-level bucket per entity, JSON-encoded rows, one
// nested sub-bucket per job for logs and per recipient for downlink
// messages. bbolt serializes every writer transaction, which is exactly
// the single-writer semantics jobs_assign_one needs — no additional
// application-level locking is required for correctness, only the
// in-memory wake-up channels DownlinkDrain uses for long-poll suspension.
type BoltRepository struct {
	db *bolt.DB

	waitMu  sync.Mutex
	waiters map[string][]chan struct{}
}

// NewBoltRepository opens (creating if absent) a bbolt database under
// dataDir and ensures every top-level bucket exists.
func NewBoltRepository(dataDir string) (*BoltRepository, error) {
	dbPath := filepath.Join(dataDir, "dffmpeg.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketIdentities, bucketWorkers, bucketJobs, bucketLogs, bucketDownlink} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltRepository{db: db, waiters: make(map[string][]chan struct{})}, nil
}

func (r *BoltRepository) Close() error {
	return r.db.Close()
}

// --- Identities ---------------------------------------------------------

func (r *BoltRepository) IdentityPut(_ context.Context, identity *types.Identity) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentities).Put([]byte(identity.ClientID), data)
	})
}

func (r *BoltRepository) IdentityGet(_ context.Context, clientID string) (*types.Identity, error) {
	var identity types.Identity
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentities).Get([]byte(clientID))
		if data == nil {
			return apperrors.NewNotFoundError("identity")
		}
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

func (r *BoltRepository) IdentityDelete(_ context.Context, clientID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentities).Delete([]byte(clientID))
	})
}

func (r *BoltRepository) IdentityList(_ context.Context) ([]*types.Identity, error) {
	var out []*types.Identity
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentities).ForEach(func(k, v []byte) error {
			var id types.Identity
			if err := json.Unmarshal(v, &id); err != nil {
				return err
			}
			out = append(out, &id)
			return nil
		})
	})
	return out, err
}

// --- Workers -------------------------------------------------------------

func (r *BoltRepository) WorkerRegister(_ context.Context, reg WorkerRegistration, now time.Time) (*types.Worker, error) {
	var worker types.Worker
	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		existing := b.Get([]byte(reg.WorkerID))
		if existing != nil {
			if err := json.Unmarshal(existing, &worker); err != nil {
				return err
			}
		} else {
			worker = types.Worker{WorkerID: reg.WorkerID, RegisteredAt: now}
		}
		worker.Status = types.WorkerOnline
		worker.LastSeenAt = now
		worker.RegistrationIntervalS = reg.RegistrationIntervalS
		worker.Version = reg.Version
		worker.AdvertisedBinaries = reg.AdvertisedBinaries
		worker.AdvertisedVariables = reg.AdvertisedVariables
		worker.TransportChoice = reg.TransportChoice

		data, err := json.Marshal(&worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(reg.WorkerID), data)
	})
	return &worker, err
}

func (r *BoltRepository) WorkerHeartbeat(_ context.Context, workerID string, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return apperrors.NewNotFoundError("worker")
		}
		var w types.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		w.LastSeenAt = now
		out, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		return b.Put([]byte(workerID), out)
	})
}

func (r *BoltRepository) WorkerMarkOffline(_ context.Context, workerID string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return apperrors.NewNotFoundError("worker")
		}
		var w types.Worker
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		w.Status = types.WorkerOffline
		out, err := json.Marshal(&w)
		if err != nil {
			return err
		}
		return b.Put([]byte(workerID), out)
	})
}

func (r *BoltRepository) WorkerGet(_ context.Context, workerID string) (*types.Worker, error) {
	var w types.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(workerID))
		if data == nil {
			return apperrors.NewNotFoundError("worker")
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *BoltRepository) WorkerList(_ context.Context) ([]*types.Worker, error) {
	var out []*types.Worker
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

// --- Jobs ------------------------------------------------------------

func (r *BoltRepository) JobsSubmit(_ context.Context, job *types.Job) error {
	job.State = types.JobPending
	job.StateEnteredAt = job.CreatedAt
	return r.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.JobID), data)
	})
}

// JobsAssignOne scans the jobs bucket for pending rows and the workers
// bucket for eligible candidates inside a single writer transaction;
// bbolt's single-writer lock gives this the same atomicity the
// SERIALIZABLE SELECT ... FOR UPDATE SKIP LOCKED path gives SQLRepository.
func (r *BoltRepository) JobsAssignOne(_ context.Context, candidateWorkers []string, allowedBinaries []string, now time.Time) (*Assignment, error) {
	var result *Assignment
	err := r.db.Update(func(tx *bolt.Tx) error {
		jobsB := tx.Bucket(bucketJobs)
		workersB := tx.Bucket(bucketWorkers)

		var pending []*types.Job
		if err := jobsB.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if j.State == types.JobPending {
				pending = append(pending, &j)
			}
			return nil
		}); err != nil {
			return err
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].JobID < pending[j].JobID })

		var workers []*types.Worker
		if err := workersB.ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		}); err != nil {
			return err
		}

		for _, job := range pending {
			if !contains(allowedBinaries, job.Binary) {
				continue
			}
			var eligible []*types.Worker
			for _, w := range workers {
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

			jobData, err := json.Marshal(job)
			if err != nil {
				return err
			}
			if err := jobsB.Put([]byte(job.JobID), jobData); err != nil {
				return err
			}
			workerData, err := json.Marshal(chosen)
			if err != nil {
				return err
			}
			if err := workersB.Put([]byte(chosen.WorkerID), workerData); err != nil {
				return err
			}

			result = &Assignment{JobID: job.JobID, WorkerID: chosen.WorkerID}
			return nil
		}
		return nil
	})
	return result, err
}

func (r *BoltRepository) JobTransition(_ context.Context, jobID string, from []types.JobState, to types.JobState, extra JobTransitionFields, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		jobsB := tx.Bucket(bucketJobs)
		data := jobsB.Get([]byte(jobID))
		if data == nil {
			return apperrors.NewNotFoundError("job")
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State.Terminal() || !stateIn(job.State, from) {
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

		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := jobsB.Put([]byte(jobID), out); err != nil {
			return err
		}

		if to.Terminal() || (to == types.JobPending && extra.AssigneeID != nil) {
			return removeRunningJobFromBucket(tx.Bucket(bucketWorkers), previousAssignee, jobID)
		}
		return nil
	})
}

func removeRunningJobFromBucket(b *bolt.Bucket, workerID, jobID string) error {
	if workerID == "" {
		return nil
	}
	data := b.Get([]byte(workerID))
	if data == nil {
		return nil
	}
	var w types.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := w.RunningJobIDs[:0]
	for _, id := range w.RunningJobIDs {
		if id != jobID {
			out = append(out, id)
		}
	}
	w.RunningJobIDs = out
	updated, err := json.Marshal(&w)
	if err != nil {
		return err
	}
	return b.Put([]byte(workerID), updated)
}

func (r *BoltRepository) JobHeartbeat(_ context.Context, jobID string, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return apperrors.NewNotFoundError("job")
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if !stateIn(job.State, []types.JobState{types.JobAssigned, types.JobRunning, types.JobCanceling}) {
			return apperrors.NewConflictError("heartbeat only valid while assigned, running or canceling")
		}
		if now.After(job.LastHeartbeatAt) {
			job.LastHeartbeatAt = now
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), out)
	})
}

// JobClientHeartbeat records a client-side liveness ping for an
// active-mode job; it is the counterpart to JobHeartbeat, which
// records the worker's.
func (r *BoltRepository) JobClientHeartbeat(_ context.Context, jobID string, now time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return apperrors.NewNotFoundError("job")
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
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
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), out)
	})
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

func (r *BoltRepository) JobAppendLog(_ context.Context, jobID string, lines []LogLine) (int64, int64, error) {
	var first, last int64
	err := r.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(jobID)) == nil {
			return apperrors.NewNotFoundError("job")
		}
		logsB, err := tx.Bucket(bucketLogs).CreateBucketIfNotExists([]byte(jobID))
		if err != nil {
			return err
		}
		next := int64(logsB.Stats().KeyN)
		first = next
		for _, l := range lines {
			chunk := types.LogChunk{JobID: jobID, Seq: next, Stream: l.Stream, Text: l.Text, EmittedAt: l.EmittedAt}
			data, err := json.Marshal(&chunk)
			if err != nil {
				return err
			}
			if err := logsB.Put(seqKey(next), data); err != nil {
				return err
			}
			next++
		}
		last = next - 1
		return nil
	})
	return first, last, err
}

func (r *BoltRepository) JobGet(_ context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return apperrors.NewNotFoundError("job")
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *BoltRepository) JobsQuery(_ context.Context, filter JobFilter, limit int) ([]*types.Job, error) {
	var out []*types.Job
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if filter.SubmitterID != "" && job.SubmitterID != filter.SubmitterID {
				return nil
			}
			if filter.WorkerID != "" && job.AssigneeID != filter.WorkerID {
				return nil
			}
			if filter.State != "" && job.State != filter.State {
				return nil
			}
			if !filter.Since.IsZero() && job.CreatedAt.Before(filter.Since) {
				return nil
			}
			if !filter.Until.IsZero() && job.CreatedAt.After(filter.Until) {
				return nil
			}
			out = append(out, &job)
			return nil
		})
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func (r *BoltRepository) JobLogs(_ context.Context, jobID string, afterSeq int64, limit int) ([]*types.LogChunk, error) {
	var out []*types.LogChunk
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLogs).Bucket([]byte(jobID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(afterSeq + 1)); k != nil; k, v = c.Next() {
			var chunk types.LogChunk
			if err := json.Unmarshal(v, &chunk); err != nil {
				return err
			}
			out = append(out, &chunk)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- Downlink --------------------------------------------------------

func (r *BoltRepository) DownlinkEnqueue(_ context.Context, msg *types.DownlinkMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = ids.New()
	}
	err := r.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketDownlink).CreateBucketIfNotExists([]byte(msg.RecipientID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(msg.MessageID), data)
	})
	if err != nil {
		return err
	}

	r.waitMu.Lock()
	waiters := r.waiters[msg.RecipientID]
	delete(r.waiters, msg.RecipientID)
	r.waitMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	return nil
}

func (r *BoltRepository) DownlinkDrain(ctx context.Context, recipient string, max int, waitUntil time.Time) ([]*types.DownlinkMessage, error) {
	for {
		var out []*types.DownlinkMessage
		err := r.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketDownlink).Bucket([]byte(recipient))
			if b == nil {
				return nil
			}
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var msg types.DownlinkMessage
				if err := json.Unmarshal(v, &msg); err != nil {
					return err
				}
				out = append(out, &msg)
				if max > 0 && len(out) >= max {
					break
				}
			}
			for _, msg := range out {
				if err := b.Delete([]byte(msg.MessageID)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}

		remaining := time.Until(waitUntil)
		if remaining <= 0 {
			return nil, nil
		}

		wake := make(chan struct{})
		r.waitMu.Lock()
		r.waiters[recipient] = append(r.waiters[recipient], wake)
		r.waitMu.Unlock()

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

// DownlinkExpire drops undelivered messages older than cutoff across
// every recipient sub-bucket. Drain already deletes what it hands out.
func (r *BoltRepository) DownlinkExpire(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	err := r.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketDownlink)

		var recipients [][]byte
		if err := root.ForEach(func(k, v []byte) error {
			if v == nil {
				recipients = append(recipients, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}

		for _, recipient := range recipients {
			b := root.Bucket(recipient)
			var expired [][]byte
			if err := b.ForEach(func(k, v []byte) error {
				var msg types.DownlinkMessage
				if err := json.Unmarshal(v, &msg); err != nil {
					return err
				}
				if msg.CreatedAt.Before(cutoff) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range expired {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
