/*
Package janitor implements the Coordinator's janitor: a periodic
task enforcing liveness across workers, jobs and the downlink queue.

RunOnce executes seven sweeps in order, each expressed as a sequence of
single-row conditional transitions so a failure on one row never aborts
the pass and re-running RunOnce is always safe:

  - S1 marks a stale online worker offline, fails its running jobs
    worker_lost and reverts its assigned jobs to pending.
  - S2 reverts a job stuck in assigned past the assignment timeout back
    to pending.
  - S3 fails a running or canceling job whose heartbeat has gone stale
    with heartbeat_lost.
  - S4 fails a pending job that has waited past the pending timeout with
    no_eligible_worker.
  - S5 force-cancels a canceling job that never reached a terminal state
    within the assignment timeout — also the sole path for a canceling
    job whose assignee disappeared mid-cancel, since S1 never touches a
    canceling row.
  - S6 cancels an active-mode job whose client-side heartbeat has gone
    stale; detached jobs are untouched.
  - S7 expires queued downlink messages nobody drained within the
    configured TTL, so a decommissioned peer's queue doesn't grow
    forever.

Start/Stop follow the same ticker-loop lifecycle as pkg/scheduler.
*/
package janitor
