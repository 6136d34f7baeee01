package postgres

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// LockRepo implements per-loader leases over the loader_execution_lock table.
//
// Acquisition runs count-then-insert inside a transaction holding a pg
// advisory xact lock keyed by the loader code, so no two committers can both
// observe held < maxParallel for the same loader.
type LockRepo struct{ Pool PgxPool }

// NewLockRepo constructs a LockRepo with the given pool.
func NewLockRepo(p PgxPool) *LockRepo { return &LockRepo{Pool: p} }

// advisoryKey derives a stable 64-bit advisory lock key from the loader code.
func advisoryKey(loaderCode string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(loaderCode))
	return int64(h.Sum64())
}

// TryAcquire attempts to take one of maxParallel leases for loaderCode.
// Non-blocking from the caller's perspective: the advisory section only
// covers the count+insert and is released at commit.
func (r *LockRepo) TryAcquire(ctx domain.Context, loaderCode string, maxParallel int, replicaName string) (int64, bool, error) {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.TryAcquire")
	defer span.End()
	span.SetAttributes(attribute.String("loader.code", loaderCode))

	if maxParallel < 1 {
		maxParallel = 1
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(loaderCode)); err != nil {
		return 0, false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}

	var held int
	err = tx.QueryRow(ctx,
		`SELECT count(*) FROM loader.loader_execution_lock WHERE loader_code=$1 AND released=FALSE`,
		loaderCode).Scan(&held)
	if err != nil {
		return 0, false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	if held >= maxParallel {
		observability.LockAcquireTotal.WithLabelValues("busy").Inc()
		return 0, false, nil
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO loader.loader_execution_lock (loader_code, replica_name, acquired_at, released)
		VALUES ($1,$2,$3,FALSE) RETURNING id`,
		loaderCode, replicaName, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("op=lock.try_acquire: %w", err)
	}
	observability.LockAcquireTotal.WithLabelValues("acquired").Inc()
	return id, true, nil
}

// Release marks the lease released. Releasing an already-released lease is a
// no-op so the guaranteed-on-exit release in the scheduler stays idempotent.
func (r *LockRepo) Release(ctx domain.Context, lockID int64) error {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.Release")
	defer span.End()
	q := `UPDATE loader.loader_execution_lock SET released=TRUE, released_at=$2
		WHERE id=$1 AND released=FALSE`
	if _, err := r.Pool.Exec(ctx, q, lockID, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=lock.release: %w", err)
	}
	return nil
}

// ReclaimStale releases every unreleased lease older than maxAge and returns
// how many were reclaimed. Covers replicas that died holding a lease.
func (r *LockRepo) ReclaimStale(ctx domain.Context, maxAge time.Duration) (int64, error) {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.ReclaimStale")
	defer span.End()
	cutoff := time.Now().UTC().Add(-maxAge)
	q := `UPDATE loader.loader_execution_lock SET released=TRUE, released_at=$1
		WHERE released=FALSE AND acquired_at <= $2`
	res, err := r.Pool.Exec(ctx, q, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=lock.reclaim_stale: %w", err)
	}
	n := res.RowsAffected()
	if n > 0 {
		observability.StaleLocksReclaimed.Add(float64(n))
	}
	return n, nil
}

// HasUnreleased reports whether any live lease exists for loaderCode; the
// recovery tick uses it to tell a hung loader from one still executing.
func (r *LockRepo) HasUnreleased(ctx domain.Context, loaderCode string) (bool, error) {
	tracer := otel.Tracer("repo.locks")
	ctx, span := tracer.Start(ctx, "locks.HasUnreleased")
	defer span.End()
	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM loader.loader_execution_lock WHERE loader_code=$1 AND released=FALSE)`,
		loaderCode).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=lock.has_unreleased: %w", err)
	}
	return exists, nil
}
