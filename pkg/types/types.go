package types

import "time"

// Role is the set of identity roles the Coordinator recognizes.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
	RoleAdmin  Role = "admin"
)

// Identity is one row per client_id: the principal an HMAC-signed request
// authenticates as.
type Identity struct {
	ClientID      string
	Role          Role
	HMACKeyStored []byte // possibly AES-256-GCM encrypted, see pkg/security
	KeyAlgorithm  string // empty means HMACKeyStored is plaintext
	KeyID         string // key ring entry that encrypted HMACKeyStored
	AllowedCIDRs  []string
	CreatedAt     time.Time
}

// WorkerStatus is the liveness state of a registered Worker.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is one row per live worker process. WorkerID equals the client_id
// of an Identity with Role == RoleWorker.
type Worker struct {
	WorkerID              string
	Status                WorkerStatus
	RegisteredAt          time.Time
	LastSeenAt            time.Time
	RegistrationIntervalS int
	Version               string
	AdvertisedBinaries    []string
	AdvertisedVariables   []string
	TransportChoice       string
	RunningJobIDs         []string
}

// JobState is the job lifecycle state machine.
type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCanceling JobState = "canceling"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// Terminal reports whether s admits no outgoing transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled:
		return true
	default:
		return false
	}
}

// JobMode distinguishes client-attached jobs, which require a periodic
// client heartbeat, from detached ones, which don't.
type JobMode string

const (
	ModeActive   JobMode = "active"
	ModeDetached JobMode = "detached"
)

// FailureKind tags why a job ended up in JobFailed or JobCanceled. It is
// stored alongside the job row and surfaced on query.
type FailureKind string

const (
	FailureWorkerLost        FailureKind = "worker_lost"
	FailureHeartbeatLost     FailureKind = "heartbeat_lost"
	FailureNoEligibleWorker  FailureKind = "no_eligible_worker"
	FailureClientDisconnected FailureKind = "client_disconnected"
)

// ArgvTokenKind distinguishes a raw literal argv entry from a path-variable
// reference.
type ArgvTokenKind string

const (
	ArgvLiteral ArgvTokenKind = "literal"
	ArgvVar     ArgvTokenKind = "var"
)

// ArgvToken is one element of a job's command line. A literal token carries
// Value; a var token carries Variable and an opaque Subpath that the
// Coordinator never inspects or concatenates into a path.
type ArgvToken struct {
	Kind     ArgvTokenKind
	Value    string
	Variable string
	Subpath  string
}

// Job is one row per submitted job.
type Job struct {
	JobID               string
	SubmitterID         string
	AssigneeID          string
	State               JobState
	Binary              string
	Argv                []ArgvToken
	RequiredVariables   []string
	CreatedAt           time.Time
	AssignedAt          time.Time
	StartedAt           time.Time
	EndedAt             time.Time
	HeartbeatIntervalS  int
	LastHeartbeatAt     time.Time
	LastClientHeartbeat time.Time
	StateEnteredAt      time.Time
	ExitCode            *int
	FailureKind         FailureKind
	Mode                JobMode
	TransportChoice     string
}

// LogStream distinguishes the two output streams a worker forwards.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// LogChunk is one ordered, append-only log line for a job.
type LogChunk struct {
	JobID     string
	Seq       int64
	Stream    LogStream
	Text      string
	EmittedAt time.Time
}

// DownlinkKind enumerates the notification shapes the Coordinator emits to
// peers over the transport layer.
type DownlinkKind string

const (
	DownlinkJobAssigned     DownlinkKind = "job_assigned"
	DownlinkJobCanceled     DownlinkKind = "job_canceled"
	DownlinkJobStateChanged DownlinkKind = "job_state_changed"
	DownlinkLogAppend       DownlinkKind = "log_append"
	DownlinkPing            DownlinkKind = "ping"
)

// DownlinkMessage is a queued notification for a peer. These rows are
// durable and drained via DownlinkDrain whatever transport the peer
// negotiated; broker transports additionally publish the same message
// best-effort.
type DownlinkMessage struct {
	MessageID   string
	RecipientID string
	Kind        DownlinkKind
	Payload     []byte
	CreatedAt   time.Time
	DeliveredAt *time.Time
}
