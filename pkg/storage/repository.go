// Package storage defines the Coordinator's repository layer: a
// small set of transactional operations over jobs, workers, identities,
// logs and downlink messages. It is deliberately not a generic ORM
// surface — every write is either wrapped in a single transaction or
// expressed as a conditional update, so the invariants in pkg/types hold
// under concurrent callers without the caller ever taking a lock itself.
//
// Three engines implement Repository: MemRepository (in-process, for
// tests), BoltRepository (embedded, single-writer, for small/edge
// deployments) and SQLRepository (database/sql + sqlx, dialect-aware for
// Postgres, MySQL and SQLite).
package storage

import (
	"context"
	"time"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// WorkerRegistration is the input to WorkerRegister: everything a worker
// supplies on register/re-register.
type WorkerRegistration struct {
	WorkerID              string
	RegistrationIntervalS int
	Version               string
	AdvertisedBinaries    []string
	AdvertisedVariables   []string
	TransportChoice       string
}

// Assignment is the (job, worker) pair JobsAssignOne produced, or nil if
// no pair was viable on this pass.
type Assignment struct {
	JobID    string
	WorkerID string
}

// JobTransitionFields carries the state-dependent fields a transition may
// set alongside the new state (assigned_at, started_at, ended_at,
// exit_code, failure_kind, assignee_id clearing, ...).
type JobTransitionFields struct {
	AssigneeID      *string // set explicitly (including to "") to change assignee
	AssignedAt      *time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	ExitCode        *int
	FailureKind     types.FailureKind
	TransportChoice *string
}

// LogLine is one line of a log-append batch, before seq assignment.
type LogLine struct {
	Stream    types.LogStream
	Text      string
	EmittedAt time.Time
}

// JobFilter narrows JobsQuery's result set. Zero-valued fields are
// unconstrained.
type JobFilter struct {
	SubmitterID string
	WorkerID    string
	State       types.JobState
	Since       time.Time
	Until       time.Time
}

// Repository is the single interface every storage engine implements.
type Repository interface {
	// Identities
	IdentityPut(ctx context.Context, identity *types.Identity) error
	IdentityGet(ctx context.Context, clientID string) (*types.Identity, error)
	IdentityDelete(ctx context.Context, clientID string) error
	IdentityList(ctx context.Context) ([]*types.Identity, error)

	// Workers
	WorkerRegister(ctx context.Context, reg WorkerRegistration, now time.Time) (*types.Worker, error)
	WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error
	WorkerMarkOffline(ctx context.Context, workerID string) error
	WorkerGet(ctx context.Context, workerID string) (*types.Worker, error)
	WorkerList(ctx context.Context) ([]*types.Worker, error)

	// Jobs
	JobsSubmit(ctx context.Context, job *types.Job) error
	JobsAssignOne(ctx context.Context, candidateWorkers []string, allowedBinaries []string, now time.Time) (*Assignment, error)
	JobTransition(ctx context.Context, jobID string, from []types.JobState, to types.JobState, extra JobTransitionFields, now time.Time) error
	JobHeartbeat(ctx context.Context, jobID string, now time.Time) error
	JobClientHeartbeat(ctx context.Context, jobID string, now time.Time) error
	JobAppendLog(ctx context.Context, jobID string, lines []LogLine) (firstSeq, lastSeq int64, err error)
	JobGet(ctx context.Context, jobID string) (*types.Job, error)
	JobsQuery(ctx context.Context, filter JobFilter, limit int) ([]*types.Job, error)
	JobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*types.LogChunk, error)

	// Downlink
	DownlinkEnqueue(ctx context.Context, msg *types.DownlinkMessage) error
	DownlinkDrain(ctx context.Context, recipient string, max int, waitUntil time.Time) ([]*types.DownlinkMessage, error)
	// DownlinkExpire deletes queued messages that have outlived their
	// retention: undelivered messages created before cutoff and, for
	// engines that keep delivered rows around, anything already
	// delivered. Returns the number of messages removed.
	DownlinkExpire(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
