package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/brwyatt/dffmpeg/pkg/errors"
	"github.com/brwyatt/dffmpeg/pkg/ids"
	"github.com/brwyatt/dffmpeg/pkg/types"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names the three database/sql drivers SQLRepository supports. Only
// jobs_assign_one's locking strategy actually branches on this; every other
// statement is portable ANSI SQL that sqlx.Rebind adapts to the driver's
// placeholder style.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// SQLRepository implements Repository over database/sql + sqlx, for
// deployments that outgrow BoltRepository's single-writer ceiling.
// Postgres and MySQL use SELECT ... FOR UPDATE SKIP LOCKED inside one
// transaction for jobs_assign_one; SQLite has no such clause, so it falls
// back to a portable optimistic retry loop (conditional UPDATE, retry on
// zero rows affected).
type SQLRepository struct {
	db      *sqlx.DB
	dialect Dialect
}

// driverName maps a Dialect to the name its driver registers with
// database/sql; pgx registers itself as "pgx", not "postgres".
func driverName(dialect Dialect) string {
	if dialect == DialectPostgres {
		return "pgx"
	}
	return string(dialect)
}

// OpenSQLRepository opens a connection pool for the given dialect and DSN.
// The caller is expected to have already applied migrations (see
// pkg/storage/migrate.go) before using the returned repository.
func OpenSQLRepository(dialect Dialect, dsn string) (*SQLRepository, error) {
	db, err := sqlx.Open(driverName(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	return &SQLRepository{db: db, dialect: dialect}, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) rebind(query string) string {
	return r.db.Rebind(query)
}

// upsertClause builds the ON CONFLICT / ON DUPLICATE KEY suffix for an
// insert-or-update, since MySQL never adopted the SQL standard's ON
// CONFLICT syntax Postgres and SQLite both support. workers.status is
// pinned to 'online' directly in the VALUES list at each call site rather
// than threaded through here, since every caller of this clause reinstates
// it unconditionally on every register.
func (r *SQLRepository) upsertClause(conflictColumn string, updateColumns []string) string {
	if r.dialect == DialectMySQL {
		assignments := make([]string, len(updateColumns))
		for i, c := range updateColumns {
			assignments[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
		return "ON DUPLICATE KEY UPDATE " + joinSet(assignments)
	}
	assignments := make([]string, len(updateColumns))
	for i, c := range updateColumns {
		assignments[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, joinSet(assignments))
}

// --- Identities ---------------------------------------------------------

func (r *SQLRepository) IdentityPut(ctx context.Context, identity *types.Identity) error {
	cidrs, err := json.Marshal(identity.AllowedCIDRs)
	if err != nil {
		return err
	}
	query := r.rebind(`
		INSERT INTO identities (client_id, role, hmac_key_stored, key_algorithm, key_id, allowed_cidrs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		` + r.upsertClause("client_id", []string{"role", "hmac_key_stored", "key_algorithm", "key_id", "allowed_cidrs"}))
	_, err = r.db.ExecContext(ctx, query, identity.ClientID, identity.Role, identity.HMACKeyStored,
		identity.KeyAlgorithm, identity.KeyID, string(cidrs), identity.CreatedAt)
	if err != nil {
		return apperrors.NewTransientStorageError("identity_put", err)
	}
	return nil
}

type identityRow struct {
	ClientID      string    `db:"client_id"`
	Role          string    `db:"role"`
	HMACKeyStored []byte    `db:"hmac_key_stored"`
	KeyAlgorithm  string    `db:"key_algorithm"`
	KeyID         string    `db:"key_id"`
	AllowedCIDRs  string    `db:"allowed_cidrs"`
	CreatedAt     time.Time `db:"created_at"`
}

func (row *identityRow) toDomain() (*types.Identity, error) {
	var cidrs []string
	if row.AllowedCIDRs != "" {
		if err := json.Unmarshal([]byte(row.AllowedCIDRs), &cidrs); err != nil {
			return nil, err
		}
	}
	return &types.Identity{
		ClientID:      row.ClientID,
		Role:          types.Role(row.Role),
		HMACKeyStored: row.HMACKeyStored,
		KeyAlgorithm:  row.KeyAlgorithm,
		KeyID:         row.KeyID,
		AllowedCIDRs:  cidrs,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func (r *SQLRepository) IdentityGet(ctx context.Context, clientID string) (*types.Identity, error) {
	var row identityRow
	query := r.rebind(`SELECT client_id, role, hmac_key_stored, key_algorithm, key_id, allowed_cidrs, created_at FROM identities WHERE client_id = ?`)
	if err := r.db.GetContext(ctx, &row, query, clientID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("identity")
		}
		return nil, apperrors.NewTransientStorageError("identity_get", err)
	}
	return row.toDomain()
}

func (r *SQLRepository) IdentityDelete(ctx context.Context, clientID string) error {
	query := r.rebind(`DELETE FROM identities WHERE client_id = ?`)
	_, err := r.db.ExecContext(ctx, query, clientID)
	if err != nil {
		return apperrors.NewTransientStorageError("identity_delete", err)
	}
	return nil
}

func (r *SQLRepository) IdentityList(ctx context.Context) ([]*types.Identity, error) {
	var rows []identityRow
	query := `SELECT client_id, role, hmac_key_stored, key_algorithm, key_id, allowed_cidrs, created_at FROM identities ORDER BY client_id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewTransientStorageError("identity_list", err)
	}
	out := make([]*types.Identity, 0, len(rows))
	for i := range rows {
		id, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Workers -------------------------------------------------------------

type workerRow struct {
	WorkerID              string    `db:"worker_id"`
	Status                string    `db:"status"`
	RegisteredAt          time.Time `db:"registered_at"`
	LastSeenAt            time.Time `db:"last_seen_at"`
	RegistrationIntervalS int       `db:"registration_interval_s"`
	Version               string    `db:"version"`
	AdvertisedBinaries    string    `db:"advertised_binaries"`
	AdvertisedVariables   string    `db:"advertised_variables"`
	TransportChoice       string    `db:"transport_choice"`
	RunningJobIDs         string    `db:"running_job_ids"`
}

func (row *workerRow) toDomain() (*types.Worker, error) {
	w := &types.Worker{
		WorkerID:              row.WorkerID,
		Status:                types.WorkerStatus(row.Status),
		RegisteredAt:          row.RegisteredAt,
		LastSeenAt:            row.LastSeenAt,
		RegistrationIntervalS: row.RegistrationIntervalS,
		Version:               row.Version,
		TransportChoice:       row.TransportChoice,
	}
	if err := json.Unmarshal([]byte(row.AdvertisedBinaries), &w.AdvertisedBinaries); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.AdvertisedVariables), &w.AdvertisedVariables); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.RunningJobIDs), &w.RunningJobIDs); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *SQLRepository) WorkerRegister(ctx context.Context, reg WorkerRegistration, now time.Time) (*types.Worker, error) {
	binaries, err := json.Marshal(reg.AdvertisedBinaries)
	if err != nil {
		return nil, err
	}
	variables, err := json.Marshal(reg.AdvertisedVariables)
	if err != nil {
		return nil, err
	}

	query := r.rebind(`
		INSERT INTO workers (worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice, running_job_ids)
		VALUES (?, 'online', ?, ?, ?, ?, ?, ?, ?, '[]')
		` + r.upsertClause("worker_id", []string{"status", "last_seen_at", "registration_interval_s", "version", "advertised_binaries", "advertised_variables", "transport_choice"}))
	_, err = r.db.ExecContext(ctx, query, reg.WorkerID, now, now, reg.RegistrationIntervalS, reg.Version,
		string(binaries), string(variables), reg.TransportChoice)
	if err != nil {
		return nil, apperrors.NewTransientStorageError("worker_register", err)
	}
	return r.WorkerGet(ctx, reg.WorkerID)
}

func (r *SQLRepository) WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error {
	query := r.rebind(`UPDATE workers SET last_seen_at = ? WHERE worker_id = ?`)
	res, err := r.db.ExecContext(ctx, query, now, workerID)
	if err != nil {
		return apperrors.NewTransientStorageError("worker_heartbeat", err)
	}
	return requireRowsAffected(res, apperrors.NewNotFoundError("worker"))
}

func (r *SQLRepository) WorkerMarkOffline(ctx context.Context, workerID string) error {
	query := r.rebind(`UPDATE workers SET status = 'offline' WHERE worker_id = ?`)
	res, err := r.db.ExecContext(ctx, query, workerID)
	if err != nil {
		return apperrors.NewTransientStorageError("worker_mark_offline", err)
	}
	return requireRowsAffected(res, apperrors.NewNotFoundError("worker"))
}

func (r *SQLRepository) WorkerGet(ctx context.Context, workerID string) (*types.Worker, error) {
	var row workerRow
	query := r.rebind(`SELECT worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice, running_job_ids FROM workers WHERE worker_id = ?`)
	if err := r.db.GetContext(ctx, &row, query, workerID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("worker")
		}
		return nil, apperrors.NewTransientStorageError("worker_get", err)
	}
	return row.toDomain()
}

func (r *SQLRepository) WorkerList(ctx context.Context) ([]*types.Worker, error) {
	var rows []workerRow
	query := `SELECT worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice, running_job_ids FROM workers ORDER BY worker_id`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewTransientStorageError("worker_list", err)
	}
	out := make([]*types.Worker, 0, len(rows))
	for i := range rows {
		w, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// --- Jobs ------------------------------------------------------------

type jobRow struct {
	JobID               string     `db:"job_id"`
	SubmitterID          string     `db:"submitter_id"`
	AssigneeID           string     `db:"assignee_id"`
	State                string     `db:"state"`
	Binary               string     `db:"binary"`
	Argv                 string     `db:"argv"`
	RequiredVariables    string     `db:"required_variables"`
	CreatedAt            time.Time  `db:"created_at"`
	AssignedAt           *time.Time `db:"assigned_at"`
	StartedAt            *time.Time `db:"started_at"`
	EndedAt              *time.Time `db:"ended_at"`
	HeartbeatIntervalS   int        `db:"heartbeat_interval_s"`
	LastHeartbeatAt      *time.Time `db:"last_heartbeat_at"`
	LastClientHeartbeat  *time.Time `db:"last_client_heartbeat"`
	StateEnteredAt       time.Time  `db:"state_entered_at"`
	ExitCode             *int       `db:"exit_code"`
	FailureKind          string     `db:"failure_kind"`
	Mode                 string     `db:"mode"`
	TransportChoice      string     `db:"transport_choice"`
}

func (row *jobRow) toDomain() (*types.Job, error) {
	job := &types.Job{
		JobID:              row.JobID,
		SubmitterID:        row.SubmitterID,
		AssigneeID:         row.AssigneeID,
		State:              types.JobState(row.State),
		Binary:             row.Binary,
		CreatedAt:          row.CreatedAt,
		HeartbeatIntervalS: row.HeartbeatIntervalS,
		StateEnteredAt:     row.StateEnteredAt,
		ExitCode:           row.ExitCode,
		FailureKind:        types.FailureKind(row.FailureKind),
		Mode:               types.JobMode(row.Mode),
		TransportChoice:    row.TransportChoice,
	}
	if row.AssignedAt != nil {
		job.AssignedAt = *row.AssignedAt
	}
	if row.StartedAt != nil {
		job.StartedAt = *row.StartedAt
	}
	if row.EndedAt != nil {
		job.EndedAt = *row.EndedAt
	}
	if row.LastHeartbeatAt != nil {
		job.LastHeartbeatAt = *row.LastHeartbeatAt
	}
	if row.LastClientHeartbeat != nil {
		job.LastClientHeartbeat = *row.LastClientHeartbeat
	}
	if err := json.Unmarshal([]byte(row.Argv), &job.Argv); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(row.RequiredVariables), &job.RequiredVariables); err != nil {
		return nil, err
	}
	return job, nil
}

func jobSelectColumns() string {
	return `job_id, submitter_id, assignee_id, state, binary, argv, required_variables, created_at, assigned_at, started_at, ended_at, heartbeat_interval_s, last_heartbeat_at, last_client_heartbeat, state_entered_at, exit_code, failure_kind, mode, transport_choice`
}

func (r *SQLRepository) JobsSubmit(ctx context.Context, job *types.Job) error {
	argv, err := json.Marshal(job.Argv)
	if err != nil {
		return err
	}
	variables, err := json.Marshal(job.RequiredVariables)
	if err != nil {
		return err
	}
	job.State = types.JobPending
	job.StateEnteredAt = job.CreatedAt

	query := r.rebind(fmt.Sprintf(`
		INSERT INTO jobs (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL, NULL, ?, NULL, '', ?, ?)`, jobSelectColumns()))
	_, err = r.db.ExecContext(ctx, query, job.JobID, job.SubmitterID, job.AssigneeID, job.State, job.Binary,
		string(argv), string(variables), job.CreatedAt, job.HeartbeatIntervalS, job.StateEnteredAt, job.Mode, job.TransportChoice)
	if err != nil {
		return apperrors.NewTransientStorageError("jobs_submit", err)
	}
	return nil
}

// JobsAssignOne dispatches to the dialect-appropriate locking strategy.
func (r *SQLRepository) JobsAssignOne(ctx context.Context, candidateWorkers, allowedBinaries []string, now time.Time) (*Assignment, error) {
	if r.dialect == DialectSQLite {
		return r.jobsAssignOneOptimistic(ctx, candidateWorkers, allowedBinaries, now)
	}
	return r.jobsAssignOneSkipLocked(ctx, candidateWorkers, allowedBinaries, now)
}

// jobsAssignOneSkipLocked is the Postgres/MySQL path: lock one pending job
// row with SELECT ... FOR UPDATE SKIP LOCKED, so concurrent schedulers
// never block on each other and never pick the same row.
func (r *SQLRepository) jobsAssignOneSkipLocked(ctx context.Context, candidateWorkers, allowedBinaries []string, now time.Time) (*Assignment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	defer tx.Rollback()

	var rows []jobRow
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE state = 'pending' ORDER BY job_id FOR UPDATE SKIP LOCKED`, jobSelectColumns())
	if err := tx.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}

	var workerRows []workerRow
	wquery := `SELECT worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice, running_job_ids FROM workers WHERE status = 'online' FOR UPDATE SKIP LOCKED`
	if err := tx.SelectContext(ctx, &workerRows, wquery); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	workers := make([]*types.Worker, 0, len(workerRows))
	for i := range workerRows {
		w, err := workerRows[i].toDomain()
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	assignment, chosenJob, chosenWorker := pickAssignment(rows, workers, candidateWorkers, allowedBinaries)
	if assignment == nil {
		return nil, nil
	}

	chosenWorker.RunningJobIDs = append(chosenWorker.RunningJobIDs, chosenJob.JobID)
	runningJSON, err := json.Marshal(chosenWorker.RunningJobIDs)
	if err != nil {
		return nil, err
	}

	updateJob := tx.Rebind(`UPDATE jobs SET state = 'assigned', assignee_id = ?, assigned_at = ?, state_entered_at = ? WHERE job_id = ?`)
	if _, err := tx.ExecContext(ctx, updateJob, chosenWorker.WorkerID, now, now, chosenJob.JobID); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	updateWorker := tx.Rebind(`UPDATE workers SET running_job_ids = ? WHERE worker_id = ?`)
	if _, err := tx.ExecContext(ctx, updateWorker, string(runningJSON), chosenWorker.WorkerID); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	return assignment, nil
}

// jobsAssignOneOptimistic is SQLite's portable fallback: SQLite has no
// SKIP LOCKED, but it also only ever has one writer at a time, so a plain
// conditional UPDATE guarded by the expected prior state is equivalent in
// practice.
func (r *SQLRepository) jobsAssignOneOptimistic(ctx context.Context, candidateWorkers, allowedBinaries []string, now time.Time) (*Assignment, error) {
	var rows []jobRow
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE state = 'pending' ORDER BY job_id`, jobSelectColumns())
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}

	var workerRows []workerRow
	wquery := `SELECT worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice, running_job_ids FROM workers WHERE status = 'online'`
	if err := r.db.SelectContext(ctx, &workerRows, wquery); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	workers := make([]*types.Worker, 0, len(workerRows))
	for i := range workerRows {
		w, err := workerRows[i].toDomain()
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}

	assignment, chosenJob, chosenWorker := pickAssignment(rows, workers, candidateWorkers, allowedBinaries)
	if assignment == nil {
		return nil, nil
	}

	res, err := r.db.ExecContext(ctx, r.rebind(`UPDATE jobs SET state = 'assigned', assignee_id = ?, assigned_at = ?, state_entered_at = ? WHERE job_id = ? AND state = 'pending'`),
		chosenWorker.WorkerID, now, now, chosenJob.JobID)
	if err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// lost the race to another writer between read and write; read the candidates again.
		return r.jobsAssignOneOptimistic(ctx, candidateWorkers, allowedBinaries, now)
	}

	chosenWorker.RunningJobIDs = append(chosenWorker.RunningJobIDs, chosenJob.JobID)
	runningJSON, err := json.Marshal(chosenWorker.RunningJobIDs)
	if err != nil {
		return nil, err
	}
	if _, err := r.db.ExecContext(ctx, r.rebind(`UPDATE workers SET running_job_ids = ? WHERE worker_id = ?`), string(runningJSON), chosenWorker.WorkerID); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_assign_one", err)
	}
	return assignment, nil
}

// pickAssignment applies the eligibility filter and tie-break rule shared
// by every engine's jobs_assign_one: oldest pending job first,
// then fewest running jobs, then lexicographic worker_id.
func pickAssignment(jobRows []jobRow, workers []*types.Worker, candidateWorkers, allowedBinaries []string) (*Assignment, *types.Job, *types.Worker) {
	for i := range jobRows {
		job, err := jobRows[i].toDomain()
		if err != nil {
			continue
		}
		if !contains(allowedBinaries, job.Binary) {
			continue
		}
		var eligible []*types.Worker
		for _, w := range workers {
			if len(candidateWorkers) > 0 && !contains(candidateWorkers, w.WorkerID) {
				continue
			}
			if !contains(w.AdvertisedBinaries, job.Binary) {
				continue
			}
			if !containsAll(w.AdvertisedVariables, job.RequiredVariables) {
				continue
			}
			eligible = append(eligible, w)
		}
		if len(eligible) == 0 {
			continue
		}
		best := eligible[0]
		for _, w := range eligible[1:] {
			if len(w.RunningJobIDs) < len(best.RunningJobIDs) ||
				(len(w.RunningJobIDs) == len(best.RunningJobIDs) && w.WorkerID < best.WorkerID) {
				best = w
			}
		}
		return &Assignment{JobID: job.JobID, WorkerID: best.WorkerID}, job, best
	}
	return nil, nil, nil
}

func (r *SQLRepository) JobTransition(ctx context.Context, jobID string, from []types.JobState, to types.JobState, extra JobTransitionFields, now time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.NewTransientStorageError("job_transition", err)
	}
	defer tx.Rollback()

	var row jobRow
	selQuery := tx.Rebind(fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = ?`, jobSelectColumns()))
	if err := tx.GetContext(ctx, &row, selQuery, jobID); err != nil {
		if err == sql.ErrNoRows {
			return apperrors.NewNotFoundError("job")
		}
		return apperrors.NewTransientStorageError("job_transition", err)
	}
	current := types.JobState(row.State)
	if current.Terminal() || !stateIn(current, from) {
		return apperrors.NewConflictError("job state no longer matches expected set")
	}

	previousAssignee := row.AssigneeID
	set := []string{"state = ?", "state_entered_at = ?"}
	args := []any{to, now}

	if extra.AssigneeID != nil {
		set = append(set, "assignee_id = ?")
		args = append(args, *extra.AssigneeID)
	}
	if extra.AssignedAt != nil {
		set = append(set, "assigned_at = ?")
		args = append(args, *extra.AssignedAt)
	}
	if extra.StartedAt != nil {
		set = append(set, "started_at = ?")
		args = append(args, *extra.StartedAt)
	}
	if extra.EndedAt != nil {
		set = append(set, "ended_at = ?")
		args = append(args, *extra.EndedAt)
	}
	if extra.ExitCode != nil {
		set = append(set, "exit_code = ?")
		args = append(args, *extra.ExitCode)
	}
	if extra.FailureKind != "" {
		set = append(set, "failure_kind = ?")
		args = append(args, extra.FailureKind)
	}
	if extra.TransportChoice != nil {
		set = append(set, "transport_choice = ?")
		args = append(args, *extra.TransportChoice)
	}

	stmt := fmt.Sprintf("UPDATE jobs SET %s WHERE job_id = ? AND state = ?", joinSet(set))
	args = append(args, jobID, current)
	res, err := tx.ExecContext(ctx, tx.Rebind(stmt), args...)
	if err != nil {
		return apperrors.NewTransientStorageError("job_transition", err)
	}
	if err := requireRowsAffected(res, apperrors.NewConflictError("job state changed concurrently")); err != nil {
		return err
	}

	if to.Terminal() || (to == types.JobPending && extra.AssigneeID != nil) {
		if previousAssignee != "" {
			if err := removeRunningJobSQL(ctx, tx, previousAssignee, jobID); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewTransientStorageError("job_transition", err)
	}
	return nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

func removeRunningJobSQL(ctx context.Context, tx *sqlx.Tx, workerID, jobID string) error {
	var running string
	query := tx.Rebind(`SELECT running_job_ids FROM workers WHERE worker_id = ?`)
	if err := tx.GetContext(ctx, &running, query, workerID); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	var ids []string
	if err := json.Unmarshal([]byte(running), &ids); err != nil {
		return err
	}
	out := ids[:0]
	for _, id := range ids {
		if id != jobID {
			out = append(out, id)
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	update := tx.Rebind(`UPDATE workers SET running_job_ids = ? WHERE worker_id = ?`)
	_, err = tx.ExecContext(ctx, update, string(data), workerID)
	return err
}

func (r *SQLRepository) JobHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	query := r.rebind(`UPDATE jobs SET last_heartbeat_at = ? WHERE job_id = ? AND state IN ('assigned', 'running', 'canceling') AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`)
	res, err := r.db.ExecContext(ctx, query, now, jobID, now)
	if err != nil {
		return apperrors.NewTransientStorageError("job_heartbeat", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Either the job doesn't exist, isn't in a heartbeat-eligible state, or the
		// timestamp was stale — distinguish existence so callers see the right error.
		var exists bool
		checkQuery := r.rebind(`SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = ?)`)
		if err := r.db.GetContext(ctx, &exists, checkQuery, jobID); err == nil && !exists {
			return apperrors.NewNotFoundError("job")
		}
	}
	return nil
}

// JobClientHeartbeat records a client-side liveness ping for an
// active-mode job; it is the counterpart to JobHeartbeat, which
// records the worker's.
func (r *SQLRepository) JobClientHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	query := r.rebind(`UPDATE jobs SET last_client_heartbeat = ? WHERE job_id = ? AND mode = 'active' AND state NOT IN ('completed', 'failed', 'canceled') AND (last_client_heartbeat IS NULL OR last_client_heartbeat < ?)`)
	res, err := r.db.ExecContext(ctx, query, now, jobID, now)
	if err != nil {
		return apperrors.NewTransientStorageError("job_client_heartbeat", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var row struct {
			Exists bool   `db:"exists"`
			Mode   string `db:"mode"`
		}
		checkQuery := r.rebind(`SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = ?) AS "exists", COALESCE((SELECT mode FROM jobs WHERE job_id = ?), '') AS mode`)
		if err := r.db.GetContext(ctx, &row, checkQuery, jobID, jobID); err == nil {
			if !row.Exists {
				return apperrors.NewNotFoundError("job")
			}
			if row.Mode != "active" {
				return apperrors.NewValidationError("client heartbeat only valid for active-mode jobs")
			}
			return apperrors.NewConflictError("job already in a terminal state")
		}
	}
	return nil
}

func (r *SQLRepository) JobAppendLog(ctx context.Context, jobID string, lines []LogLine) (int64, int64, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, apperrors.NewTransientStorageError("job_append_log", err)
	}
	defer tx.Rollback()

	var exists bool
	checkQuery := tx.Rebind(`SELECT EXISTS(SELECT 1 FROM jobs WHERE job_id = ?)`)
	if err := tx.GetContext(ctx, &exists, checkQuery, jobID); err != nil {
		return 0, 0, apperrors.NewTransientStorageError("job_append_log", err)
	}
	if !exists {
		return 0, 0, apperrors.NewNotFoundError("job")
	}

	var next sql.NullInt64
	seqQuery := tx.Rebind(`SELECT MAX(seq) FROM logs WHERE job_id = ?`)
	if err := tx.GetContext(ctx, &next, seqQuery, jobID); err != nil {
		return 0, 0, apperrors.NewTransientStorageError("job_append_log", err)
	}
	seq := int64(0)
	if next.Valid {
		seq = next.Int64 + 1
	}
	first := seq

	insert := tx.Rebind(`INSERT INTO logs (job_id, seq, stream, text, emitted_at) VALUES (?, ?, ?, ?, ?)`)
	for _, l := range lines {
		if _, err := tx.ExecContext(ctx, insert, jobID, seq, l.Stream, l.Text, l.EmittedAt); err != nil {
			return 0, 0, apperrors.NewTransientStorageError("job_append_log", err)
		}
		seq++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, apperrors.NewTransientStorageError("job_append_log", err)
	}
	return first, seq - 1, nil
}

func (r *SQLRepository) JobGet(ctx context.Context, jobID string) (*types.Job, error) {
	var row jobRow
	query := r.rebind(fmt.Sprintf(`SELECT %s FROM jobs WHERE job_id = ?`, jobSelectColumns()))
	if err := r.db.GetContext(ctx, &row, query, jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.NewNotFoundError("job")
		}
		return nil, apperrors.NewTransientStorageError("job_get", err)
	}
	return row.toDomain()
}

func (r *SQLRepository) JobsQuery(ctx context.Context, filter JobFilter, limit int) ([]*types.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE 1=1`, jobSelectColumns())
	var args []any
	if filter.SubmitterID != "" {
		query += " AND submitter_id = ?"
		args = append(args, filter.SubmitterID)
	}
	if filter.WorkerID != "" {
		query += " AND assignee_id = ?"
		args = append(args, filter.WorkerID)
	}
	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}
	if !filter.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, filter.Until)
	}
	query += " ORDER BY job_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
		return nil, apperrors.NewTransientStorageError("jobs_query", err)
	}
	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

type logRow struct {
	JobID     string    `db:"job_id"`
	Seq       int64     `db:"seq"`
	Stream    string    `db:"stream"`
	Text      string    `db:"text"`
	EmittedAt time.Time `db:"emitted_at"`
}

func (r *SQLRepository) JobLogs(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*types.LogChunk, error) {
	query := `SELECT job_id, seq, stream, text, emitted_at FROM logs WHERE job_id = ? AND seq > ? ORDER BY seq`
	args := []any{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []logRow
	if err := r.db.SelectContext(ctx, &rows, r.rebind(query), args...); err != nil {
		return nil, apperrors.NewTransientStorageError("job_logs", err)
	}
	out := make([]*types.LogChunk, 0, len(rows))
	for _, row := range rows {
		out = append(out, &types.LogChunk{JobID: row.JobID, Seq: row.Seq, Stream: types.LogStream(row.Stream), Text: row.Text, EmittedAt: row.EmittedAt})
	}
	return out, nil
}

// --- Downlink --------------------------------------------------------

func (r *SQLRepository) DownlinkEnqueue(ctx context.Context, msg *types.DownlinkMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = ids.New()
	}
	query := r.rebind(`INSERT INTO downlink (message_id, recipient_id, kind, payload, created_at, delivered_at) VALUES (?, ?, ?, ?, ?, NULL)`)
	_, err := r.db.ExecContext(ctx, query, msg.MessageID, msg.RecipientID, msg.Kind, msg.Payload, msg.CreatedAt)
	if err != nil {
		return apperrors.NewTransientStorageError("downlink_enqueue", err)
	}
	return nil
}

type downlinkRow struct {
	MessageID   string     `db:"message_id"`
	RecipientID string     `db:"recipient_id"`
	Kind        string     `db:"kind"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	DeliveredAt *time.Time `db:"delivered_at"`
}

// DownlinkDrain polls the table rather than suspending in-process: a SQL-
// backed deployment runs multiple Coordinator replicas behind a shared
// database, so there is no single process to hold a wake-up channel for.
// Each poll is a short sleep-and-retry loop bounded by waitUntil.
func (r *SQLRepository) DownlinkDrain(ctx context.Context, recipient string, max int, waitUntil time.Time) ([]*types.DownlinkMessage, error) {
	const pollInterval = 250 * time.Millisecond
	for {
		msgs, err := r.downlinkDrainOnce(ctx, recipient, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(waitUntil)
		if remaining <= 0 {
			return nil, nil
		}
		wait := pollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		}
	}
}

func (r *SQLRepository) downlinkDrainOnce(ctx context.Context, recipient string, max int) ([]*types.DownlinkMessage, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewTransientStorageError("downlink_drain", err)
	}
	defer tx.Rollback()

	query := `SELECT message_id, recipient_id, kind, payload, created_at, delivered_at FROM downlink WHERE recipient_id = ? AND delivered_at IS NULL ORDER BY message_id`
	if max > 0 {
		query += " LIMIT ?"
	}
	var rows []downlinkRow
	args := []any{recipient}
	if max > 0 {
		args = append(args, max)
	}
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(query), args...); err != nil {
		return nil, apperrors.NewTransientStorageError("downlink_drain", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := time.Now()
	update := tx.Rebind(`UPDATE downlink SET delivered_at = ? WHERE message_id = ?`)
	out := make([]*types.DownlinkMessage, 0, len(rows))
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx, update, now, row.MessageID); err != nil {
			return nil, apperrors.NewTransientStorageError("downlink_drain", err)
		}
		out = append(out, &types.DownlinkMessage{
			MessageID:   row.MessageID,
			RecipientID: row.RecipientID,
			Kind:        types.DownlinkKind(row.Kind),
			Payload:     row.Payload,
			CreatedAt:   row.CreatedAt,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewTransientStorageError("downlink_drain", err)
	}
	return out, nil
}

// DownlinkExpire deletes rows already marked delivered and undelivered
// rows older than cutoff. This engine marks rows delivered on drain
// rather than deleting them, so the expiry sweep is what actually
// reclaims the table.
func (r *SQLRepository) DownlinkExpire(ctx context.Context, cutoff time.Time) (int, error) {
	query := r.rebind(`DELETE FROM downlink WHERE delivered_at IS NOT NULL OR created_at < ?`)
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, apperrors.NewTransientStorageError("downlink_expire", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
