/*
Package log provides structured logging for the Coordinator using zerolog.

The log package wraps zerolog to provide JSON or human-readable console
output, a configurable level, and context-logger helpers for the
identifiers every other package threads through its operations: job_id,
worker_id, client_id, request_id.

# Usage

Initializing the logger, once, at process start:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and context loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("scheduling pass starting")

	jobLog := log.WithJobID(job.JobID)
	jobLog.Info().Str("state", string(job.State)).Msg("job transitioned")

# Log levels

  - Debug: scheduler/janitor per-row decisions, not used in production.
  - Info: state transitions, sweep outcomes, server lifecycle.
  - Warn: retried conflicts, transport send failures (never user-visible).
  - Error: operations the caller could not recover from.
  - Fatal: unrecoverable startup failure; exits the process.

# Security

Never log HMAC keys, encrypted credential bytes, or raw argv subpaths that
might embed sensitive directory structure beyond the variable name itself.
*/
package log
