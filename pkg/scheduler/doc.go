/*
Package scheduler implements the Coordinator's scheduler: the single
component that owns the pending -> assigned job transition.

Scheduler runs a ticker-driven loop (default 1s) plus an externally
triggered Wake() for submit and worker-online/job-complete events. Wake-ups
coalesce through a buffered-size-1 channel, so a burst of callers never
queues more than one extra pass. Each pass repeatedly calls the
repository's JobsAssignOne — the one atomic assignment primitive — until
no (job, worker) pair remains viable, retrying
Conflict/TransientStorage errors with jittered backoff via pkg/errors, and
enqueues a job_assigned downlink for each winner, pushing a copy over the
assignee's negotiated broker transport when it has one.

The scheduler never touches running jobs; it owns exactly one transition.
*/
package scheduler
