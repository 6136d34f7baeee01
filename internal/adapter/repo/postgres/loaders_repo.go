package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// LoaderRepo persists loader definitions and runtime state.
type LoaderRepo struct{ Pool PgxPool }

// NewLoaderRepo constructs a LoaderRepo with the given pool.
func NewLoaderRepo(p PgxPool) *LoaderRepo { return &LoaderRepo{Pool: p} }

const loaderColumns = `id, loader_code, loader_sql, source_database_id, load_status, enabled,
	approval_status, min_interval_seconds, max_interval_seconds, max_query_period_seconds,
	max_parallel_executions, last_load_timestamp, source_timezone_offset_hours,
	aggregation_period_seconds, purge_strategy, failed_since, consecutive_zero_record_runs,
	created_at, updated_at, created_by, updated_by, approved_by, approved_at,
	rejected_by, rejected_at, rejection_reason`

func scanLoader(row pgx.Row) (domain.Loader, error) {
	var l domain.Loader
	err := row.Scan(&l.ID, &l.LoaderCode, &l.LoaderSQL, &l.SourceDatabaseID, &l.LoadStatus,
		&l.Enabled, &l.ApprovalStatus, &l.MinIntervalSeconds, &l.MaxIntervalSeconds,
		&l.MaxQueryPeriodSeconds, &l.MaxParallelExecutions, &l.LastLoadTimestamp,
		&l.SourceTimezoneOffsetHours, &l.AggregationPeriodSeconds, &l.PurgeStrategy,
		&l.FailedSince, &l.ConsecutiveZeroRecordRuns, &l.CreatedAt, &l.UpdatedAt,
		&l.CreatedBy, &l.UpdatedBy, &l.ApprovedBy, &l.ApprovedAt,
		&l.RejectedBy, &l.RejectedAt, &l.RejectionReason)
	return l, err
}

// ListEnabled returns all enabled loaders.
func (r *LoaderRepo) ListEnabled(ctx domain.Context) ([]domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ListEnabled")
	defer span.End()
	q := `SELECT ` + loaderColumns + ` FROM loader.loader WHERE enabled = TRUE`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=loader.list_enabled: %w", err)
	}
	defer rows.Close()
	var out []domain.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, fmt.Errorf("op=loader.list_enabled: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=loader.list_enabled: %w", err)
	}
	return out, nil
}

// ListByStatus returns all loaders in the given runtime status.
func (r *LoaderRepo) ListByStatus(ctx domain.Context, status domain.LoadStatus) ([]domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ListByStatus")
	defer span.End()
	q := `SELECT ` + loaderColumns + ` FROM loader.loader WHERE load_status = $1`
	rows, err := r.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("op=loader.list_by_status: %w", err)
	}
	defer rows.Close()
	var out []domain.Loader
	for rows.Next() {
		l, err := scanLoader(rows)
		if err != nil {
			return nil, fmt.Errorf("op=loader.list_by_status: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=loader.list_by_status: %w", err)
	}
	return out, nil
}

// GetByCode loads a loader by its natural key.
func (r *LoaderRepo) GetByCode(ctx domain.Context, code string) (domain.Loader, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.GetByCode")
	defer span.End()
	q := `SELECT ` + loaderColumns + ` FROM loader.loader WHERE loader_code = $1`
	l, err := scanLoader(r.Pool.QueryRow(ctx, q, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Loader{}, fmt.Errorf("op=loader.get: %w", domain.ErrNotFound)
		}
		return domain.Loader{}, fmt.Errorf("op=loader.get: %w", err)
	}
	return l, nil
}

// Create inserts a new loader definition and returns its id.
func (r *LoaderRepo) Create(ctx domain.Context, l domain.Loader) (int64, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.Create")
	defer span.End()
	q := `INSERT INTO loader.loader (loader_code, loader_sql, source_database_id, load_status,
		enabled, approval_status, min_interval_seconds, max_interval_seconds,
		max_query_period_seconds, max_parallel_executions, last_load_timestamp,
		source_timezone_offset_hours, aggregation_period_seconds, purge_strategy,
		created_at, updated_at, created_by, updated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15,$16,$17)
		RETURNING id`
	now := time.Now().UTC()
	var id int64
	err := r.Pool.QueryRow(ctx, q, l.LoaderCode, l.LoaderSQL, l.SourceDatabaseID,
		l.LoadStatus, l.Enabled, l.ApprovalStatus, l.MinIntervalSeconds,
		l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds, l.MaxParallelExecutions,
		l.LastLoadTimestamp, l.SourceTimezoneOffsetHours, l.AggregationPeriodSeconds,
		l.PurgeStrategy, now, l.CreatedBy, l.UpdatedBy).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=loader.create: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=loader.create: %w", err)
	}
	return id, nil
}

// UpdateDefinition updates the admin-editable fields of a loader under a
// short row lock so it cannot race a concurrent executor transition.
func (r *LoaderRepo) UpdateDefinition(ctx domain.Context, l domain.Loader) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.UpdateDefinition")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=loader.update_definition: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := lockLoaderRow(ctx, tx, l.LoaderCode); err != nil {
		return err
	}
	q := `UPDATE loader.loader SET loader_sql=$2, source_database_id=$3,
		min_interval_seconds=$4, max_interval_seconds=$5, max_query_period_seconds=$6,
		max_parallel_executions=$7, source_timezone_offset_hours=$8,
		aggregation_period_seconds=$9, purge_strategy=$10, updated_at=$11, updated_by=$12
		WHERE loader_code=$1`
	if _, err := tx.Exec(ctx, q, l.LoaderCode, l.LoaderSQL, l.SourceDatabaseID,
		l.MinIntervalSeconds, l.MaxIntervalSeconds, l.MaxQueryPeriodSeconds,
		l.MaxParallelExecutions, l.SourceTimezoneOffsetHours, l.AggregationPeriodSeconds,
		l.PurgeStrategy, time.Now().UTC(), l.UpdatedBy); err != nil {
		return fmt.Errorf("op=loader.update_definition: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=loader.update_definition: %w", err)
	}
	return nil
}

// SetRunning transitions an IDLE or FAILED loader to RUNNING. Any other
// state — a pause landing after the scheduler's fetch, or another claim —
// is a conflict and the caller must not run.
func (r *LoaderRepo) SetRunning(ctx domain.Context, code string) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.SetRunning")
	defer span.End()
	q := `UPDATE loader.loader SET load_status=$2, updated_at=$3
		WHERE loader_code=$1 AND load_status IN ($4,$5)`
	res, err := r.Pool.Exec(ctx, q, code, domain.LoadRunning, time.Now().UTC(),
		domain.LoadIdle, domain.LoadFailed)
	if err != nil {
		return fmt.Errorf("op=loader.set_running: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.set_running: %w: loader not runnable", domain.ErrConflict)
	}
	return nil
}

// CompleteSuccess advances the watermark, returns the loader to IDLE, clears
// the failure bookkeeping and maintains the zero-record counter. Only a
// RUNNING loader completes; a pause that landed mid-run stands.
func (r *LoaderRepo) CompleteSuccess(ctx domain.Context, code string, watermark time.Time, zeroRecords bool) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.CompleteSuccess")
	defer span.End()
	q := `UPDATE loader.loader SET load_status=$2, last_load_timestamp=$3, failed_since=NULL,
		consecutive_zero_record_runs = CASE WHEN $4 THEN consecutive_zero_record_runs + 1 ELSE 0 END,
		updated_at=$5
		WHERE loader_code=$1 AND load_status=$6`
	res, err := r.Pool.Exec(ctx, q, code, domain.LoadIdle, watermark.UTC(), zeroRecords,
		time.Now().UTC(), domain.LoadRunning)
	if err != nil {
		return fmt.Errorf("op=loader.complete_success: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.complete_success: %w: loader not RUNNING", domain.ErrConflict)
	}
	return nil
}

// CompleteFailure moves a RUNNING loader to FAILED without touching the
// watermark. failed_since is only set on the first failure of a streak.
func (r *LoaderRepo) CompleteFailure(ctx domain.Context, code string, failedAt time.Time) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.CompleteFailure")
	defer span.End()
	q := `UPDATE loader.loader SET load_status=$2,
		failed_since = COALESCE(failed_since, $3), updated_at=$4
		WHERE loader_code=$1 AND load_status=$5`
	res, err := r.Pool.Exec(ctx, q, code, domain.LoadFailed, failedAt.UTC(), time.Now().UTC(),
		domain.LoadRunning)
	if err != nil {
		return fmt.Errorf("op=loader.complete_failure: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.complete_failure: %w: loader not RUNNING", domain.ErrConflict)
	}
	return nil
}

// ForceFailed marks a hung RUNNING loader as FAILED during recovery.
func (r *LoaderRepo) ForceFailed(ctx domain.Context, code string, failedAt time.Time) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ForceFailed")
	defer span.End()
	q := `UPDATE loader.loader SET load_status=$2,
		failed_since = COALESCE(failed_since, $3), updated_at=$4
		WHERE loader_code=$1 AND load_status=$5`
	if _, err := r.Pool.Exec(ctx, q, code, domain.LoadFailed, failedAt.UTC(), time.Now().UTC(), domain.LoadRunning); err != nil {
		return fmt.Errorf("op=loader.force_failed: %w", err)
	}
	return nil
}

// Pause moves a loader to PAUSED under a short row lock.
func (r *LoaderRepo) Pause(ctx domain.Context, code string) error {
	return r.transition(ctx, "loader.pause", code, nil, domain.LoadPaused)
}

// Resume moves a PAUSED loader back to IDLE; any other state is a conflict.
func (r *LoaderRepo) Resume(ctx domain.Context, code string) error {
	from := domain.LoadPaused
	return r.transition(ctx, "loader.resume", code, &from, domain.LoadIdle)
}

func (r *LoaderRepo) transition(ctx domain.Context, op, code string, from *domain.LoadStatus, to domain.LoadStatus) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := lockLoaderRow(ctx, tx, code); err != nil {
		return err
	}
	if from != nil {
		res, err := tx.Exec(ctx,
			`UPDATE loader.loader SET load_status=$2, updated_at=$3 WHERE loader_code=$1 AND load_status=$4`,
			code, to, time.Now().UTC(), *from)
		if err != nil {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("op=%s: %w: loader not in %s", op, domain.ErrConflict, *from)
		}
	} else {
		res, err := tx.Exec(ctx,
			`UPDATE loader.loader SET load_status=$2, updated_at=$3 WHERE loader_code=$1`,
			code, to, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("op=%s: %w", op, err)
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return nil
}

// AdjustTimestamp sets or clears the watermark under a short row lock.
func (r *LoaderRepo) AdjustTimestamp(ctx domain.Context, code string, ts *time.Time) error {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.AdjustTimestamp")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=loader.adjust_timestamp: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := lockLoaderRow(ctx, tx, code); err != nil {
		return err
	}
	res, err := tx.Exec(ctx,
		`UPDATE loader.loader SET last_load_timestamp=$2, updated_at=$3 WHERE loader_code=$1`,
		code, ts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=loader.adjust_timestamp: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("op=loader.adjust_timestamp: %w", domain.ErrNotFound)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=loader.adjust_timestamp: %w", err)
	}
	return nil
}

// ResetFailedBefore flips loaders stuck in FAILED since before cutoff back to
// IDLE and returns how many were reset.
func (r *LoaderRepo) ResetFailedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.loaders")
	ctx, span := tracer.Start(ctx, "loaders.ResetFailedBefore")
	defer span.End()
	q := `UPDATE loader.loader SET load_status=$1, failed_since=NULL, updated_at=$2
		WHERE load_status=$3 AND failed_since IS NOT NULL AND failed_since <= $4`
	res, err := r.Pool.Exec(ctx, q, domain.LoadIdle, time.Now().UTC(), domain.LoadFailed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=loader.reset_failed: %w", err)
	}
	return res.RowsAffected(), nil
}

// lockLoaderRow takes a short FOR UPDATE row lock inside tx so admin writes
// and executor transitions serialise on the loader row.
func lockLoaderRow(ctx domain.Context, tx pgx.Tx, code string) error {
	var id int64
	err := tx.QueryRow(ctx, `SELECT id FROM loader.loader WHERE loader_code=$1 FOR UPDATE`, code).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=loader.lock_row: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=loader.lock_row: %w", err)
	}
	return nil
}
