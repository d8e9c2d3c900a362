/*
Package storage implements the Coordinator's repository layer: the
only place in the codebase that reads or writes durable state.

Repository exposes a fixed set of operations, not a generic query surface.
Every write that reads-then-writes is either wrapped in a single engine
transaction at the strongest available isolation level, or expressed as a
conditional update ("UPDATE ... WHERE state IN (...)", returning affected
rows) so concurrent callers never need to take an application-level lock.

Three engines satisfy Repository:

  - MemRepository: in-process, map-backed, used by unit and property tests.
  - BoltRepository: embedded bbolt, single-writer, for small/edge deployments.
  - SQLRepository: database/sql + sqlx, dialect-aware (Postgres, MySQL,
    SQLite) for larger or multi-replica deployments.

jobs_assign_one, the scheduler's atomic primitive, is the one operation
whose implementation genuinely differs by engine: Postgres/MySQL use
SELECT ... FOR UPDATE SKIP LOCKED inside one transaction; SQLite uses a
portable optimistic retry loop instead; the bbolt engine runs it inside one
writer transaction and the in-memory engine under its single mutex. Callers
see identical behavior either way; only throughput differs.
*/
package storage
