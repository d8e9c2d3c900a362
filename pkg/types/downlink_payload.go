package types

import (
	"encoding/json"
	"time"
)

// DownlinkSchema is the current envelope schema version.
const DownlinkSchema = "v1"

// DownlinkEnvelope is the versioned wire shape every downlink message is
// serialized as before being handed to a transport plugin or drained over
// http_polling.
type DownlinkEnvelope struct {
	ID        string          `json:"id"`
	Kind      DownlinkKind    `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Schema    string          `json:"schema"`
	Payload   json.RawMessage `json:"payload"`
}

// JobAssignedPayload is the payload of a job_assigned downlink message.
type JobAssignedPayload struct {
	JobID      string `json:"job_id"`
	AssigneeID string `json:"assignee_id"`
}

// JobCanceledPayload is the payload of a job_canceled downlink message.
type JobCanceledPayload struct {
	JobID string `json:"job_id"`
}

// JobStateChangedPayload is the payload of a job_state_changed downlink
// message.
type JobStateChangedPayload struct {
	JobID string   `json:"job_id"`
	State JobState `json:"state"`
}

// LogAppendPayload is the payload of a log_append downlink message: a hint
// that new log lines are available, not the lines themselves.
type LogAppendPayload struct {
	JobID    string `json:"job_id"`
	LastSeq  int64  `json:"last_seq"`
	NumLines int    `json:"num_lines"`
}

// PingPayload is the (empty) payload of a keepalive ping message.
type PingPayload struct{}

// NewDownlinkMessage marshals payload and builds a DownlinkMessage ready
// for DownlinkEnqueue. MessageID and CreatedAt are left for the caller/
// repository to fill in if zero.
func NewDownlinkMessage(recipientID string, kind DownlinkKind, payload any) (*DownlinkMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &DownlinkMessage{
		RecipientID: recipientID,
		Kind:        kind,
		Payload:     body,
	}, nil
}

// Envelope wraps msg's payload in the versioned wire envelope for
// transmission.
func (m *DownlinkMessage) Envelope() DownlinkEnvelope {
	return DownlinkEnvelope{
		ID:        m.MessageID,
		Kind:      m.Kind,
		CreatedAt: m.CreatedAt,
		Schema:    DownlinkSchema,
		Payload:   json.RawMessage(m.Payload),
	}
}
