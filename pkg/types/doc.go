/*
Package types defines the storage-row domain model used throughout the
Coordinator: identities, workers, jobs, log chunks, and downlink messages.

These are the shapes every repository engine persists and every other
package imports — they are deliberately not the wire shapes the API surface
exchanges with clients and workers (see pkg/api), which are converted to and
from these rows at the HTTP boundary.

# Entities

  - Identity: one per client_id, the principal an HMAC-signed request
    authenticates as.
  - Worker: one per live worker process, keyed by worker_id.
  - Job: one per submitted job, carrying the state machine in State.
  - LogChunk: one append-only, densely-numbered log line per job.
  - DownlinkMessage: one queued notification for a peer.

# Identifiers

Every entity above is keyed by a ULID (pkg/ids), not a database-assigned
integer; IDs sort lexicographically by creation time and are safe to
generate outside a transaction.
*/
package types
