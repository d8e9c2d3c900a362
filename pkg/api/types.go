// Package api implements the Coordinator's HTTP surface: the eleven
// authenticated REST endpoints peers call to submit/query/cancel jobs,
// register and poll for work, and drain downlink notifications.
//
// Every entity has a storage-row shape in pkg/types and a distinct wire
// shape here, converted at the boundary — a client or worker never sees
// (or can influence) a storage-internal field like state_entered_at.
package api

import (
	"encoding/json"

	"github.com/brwyatt/dffmpeg/pkg/types"
)

// ArgvTokenWire is the wire form of one argv token.
type ArgvTokenWire struct {
	Kind     string `json:"kind"`
	Value    string `json:"value,omitempty"`
	Variable string `json:"variable,omitempty"`
	Subpath  string `json:"subpath,omitempty"`
}

func argvFromWire(tokens []ArgvTokenWire) []types.ArgvToken {
	out := make([]types.ArgvToken, len(tokens))
	for i, t := range tokens {
		out[i] = types.ArgvToken{
			Kind:     types.ArgvTokenKind(t.Kind),
			Value:    t.Value,
			Variable: t.Variable,
			Subpath:  t.Subpath,
		}
	}
	return out
}

func argvToWire(tokens []types.ArgvToken) []ArgvTokenWire {
	out := make([]ArgvTokenWire, len(tokens))
	for i, t := range tokens {
		out[i] = ArgvTokenWire{
			Kind:     string(t.Kind),
			Value:    t.Value,
			Variable: t.Variable,
			Subpath:  t.Subpath,
		}
	}
	return out
}

// SubmitJobRequest is the body of POST /api/v1/jobs. Transports is the
// submitter's ordered transport-preference list (negotiation applies on
// submit as well as register); it may be omitted, in which
// case the job is negotiated down to http_polling.
type SubmitJobRequest struct {
	Binary             string          `json:"binary"`
	Argv               []ArgvTokenWire `json:"argv"`
	Mode               string          `json:"mode"`
	HeartbeatIntervalS int             `json:"heartbeat_interval_s,omitempty"`
	Transports         []string        `json:"enabled,omitempty"`
}

// SubmitJobResponse is the response of POST /api/v1/jobs.
type SubmitJobResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// JobResponse is the wire snapshot returned by GET /api/v1/jobs/{id} and
// embedded in the worker work-poll response.
type JobResponse struct {
	JobID               string          `json:"job_id"`
	SubmitterID         string          `json:"submitter_id"`
	AssigneeID          string          `json:"assignee_id,omitempty"`
	State               string          `json:"state"`
	Binary              string          `json:"binary"`
	Argv                []ArgvTokenWire `json:"argv"`
	RequiredVariables   []string        `json:"required_variables"`
	CreatedAt           string          `json:"created_at"`
	AssignedAt          string          `json:"assigned_at,omitempty"`
	StartedAt           string          `json:"started_at,omitempty"`
	EndedAt             string          `json:"ended_at,omitempty"`
	HeartbeatIntervalS  int             `json:"heartbeat_interval_s,omitempty"`
	ExitCode            *int            `json:"exit_code,omitempty"`
	FailureKind         string          `json:"failure_kind,omitempty"`
	Mode                string          `json:"mode"`
	TransportChoice     string          `json:"transport_choice,omitempty"`
}

func jobToWire(job *types.Job) JobResponse {
	resp := JobResponse{
		JobID:             job.JobID,
		SubmitterID:       job.SubmitterID,
		AssigneeID:        job.AssigneeID,
		State:             string(job.State),
		Binary:            job.Binary,
		Argv:              argvToWire(job.Argv),
		RequiredVariables: job.RequiredVariables,
		CreatedAt:         formatTime(job.CreatedAt),
		AssignedAt:        formatTime(job.AssignedAt),
		StartedAt:         formatTime(job.StartedAt),
		EndedAt:           formatTime(job.EndedAt),
		HeartbeatIntervalS: job.HeartbeatIntervalS,
		ExitCode:          job.ExitCode,
		FailureKind:       string(job.FailureKind),
		Mode:              string(job.Mode),
		TransportChoice:   job.TransportChoice,
	}
	return resp
}

// RegisterWorkerRequest is the body of POST /api/v1/workers/register.
type RegisterWorkerRequest struct {
	WorkerID              string   `json:"worker_id"`
	RegistrationIntervalS int      `json:"registration_interval_s"`
	Version               string   `json:"version,omitempty"`
	AdvertisedBinaries    []string `json:"advertised_binaries"`
	AdvertisedVariables   []string `json:"advertised_variables"`
	Transports            []string `json:"enabled"`
}

// RegisterWorkerResponse is the response of POST /api/v1/workers/register,
// carrying the negotiated transport choice.
type RegisterWorkerResponse struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Chosen   string `json:"chosen"`
}

// WorkResponse is the response of GET /api/v1/workers/{id}/work.
type WorkResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

// CompleteJobRequest is the body of POST /api/v1/jobs/{id}/complete.
type CompleteJobRequest struct {
	ExitCode int `json:"exit_code"`
}

// LogLineWire is one line of a POST /api/v1/jobs/{id}/log batch.
type LogLineWire struct {
	Stream    string `json:"stream"`
	Text      string `json:"text"`
	EmittedAt string `json:"emitted_at,omitempty"`
}

// AppendLogRequest is the body of POST /api/v1/jobs/{id}/log.
type AppendLogRequest struct {
	Lines []LogLineWire `json:"lines"`
}

// AppendLogResponse acknowledges a log batch with the assigned sequence
// range.
type AppendLogResponse struct {
	FirstSeq int64 `json:"first_seq"`
	LastSeq  int64 `json:"last_seq"`
}

// ProgressRequest is the body of POST /api/v1/jobs/{id}/progress.
type ProgressRequest struct {
	Progress map[string]any `json:"progress,omitempty"`
}

// DownlinkEnvelopeWire mirrors types.DownlinkEnvelope for the drain
// response body.
type DownlinkEnvelopeWire struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	CreatedAt string          `json:"created_at"`
	Schema    string          `json:"schema"`
	Payload   json.RawMessage `json:"payload"`
}

// DownlinkDrainResponse is the response of GET /api/v1/downlink.
type DownlinkDrainResponse struct {
	Messages []DownlinkEnvelopeWire `json:"messages"`
}

// errorResponse is the uniform JSON body for any non-2xx response.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
