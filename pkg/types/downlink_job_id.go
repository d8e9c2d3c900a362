package types

import "encoding/json"

// JobID extracts the job_id field carried by every payload shape except
// ping, without the caller needing to know which concrete payload struct
// applies. It is used by broker transports to build per-job routing keys.
func (m *DownlinkMessage) JobID() (string, bool) {
	var probe struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(m.Payload, &probe); err != nil || probe.JobID == "" {
		return "", false
	}
	return probe.JobID, true
}
