package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// uniqueViolation is the SQLSTATE for duplicate-key errors.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// SignalRepo appends transformed signals to signals_history honoring the
// loader's purge strategy.
type SignalRepo struct{ Pool PgxPool }

// NewSignalRepo constructs a SignalRepo with the given pool.
func NewSignalRepo(p PgxPool) *SignalRepo { return &SignalRepo{Pool: p} }

const insertSignal = `INSERT INTO loader.signals_history
	(loader_code, load_time_stamp, segment_code, rec_count, max_val, min_val, avg_val, sum_val, create_time)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// Persist writes signals according to strategy and returns the number of rows
// actually ingested. PURGE_AND_RELOAD deletes the window's rows and inserts
// the new batch in one transaction so replays stay idempotent.
func (r *SignalRepo) Persist(ctx domain.Context, loaderCode string, signals []domain.Signal, strategy domain.PurgeStrategy, w domain.Window) (int64, error) {
	tracer := otel.Tracer("repo.signals")
	ctx, span := tracer.Start(ctx, "signals.Persist")
	defer span.End()
	span.SetAttributes(
		attribute.String("loader.code", loaderCode),
		attribute.String("purge.strategy", string(strategy)),
		attribute.Int("signals.count", len(signals)),
	)
	if len(signals) == 0 {
		return 0, nil
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=signals.persist: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if strategy == domain.PurgeAndReload {
		_, err := tx.Exec(ctx,
			`DELETE FROM loader.signals_history WHERE loader_code=$1 AND load_time_stamp >= $2 AND load_time_stamp < $3`,
			loaderCode, w.From.Unix(), w.To.Unix())
		if err != nil {
			return 0, fmt.Errorf("op=signals.purge: %w", err)
		}
	}

	stmt := insertSignal
	if strategy == domain.PurgeSkipDuplicates {
		stmt += ` ON CONFLICT (loader_code, load_time_stamp, segment_code) DO NOTHING`
	}

	var ingested int64
	for _, s := range signals {
		res, err := tx.Exec(ctx, stmt, s.LoaderCode, s.LoadTimestamp, s.SegmentCode,
			s.RecCount, s.MaxVal, s.MinVal, s.AvgVal, s.SumVal, s.CreateTime.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return 0, domain.NewExecError(domain.KindSinkDuplicate, err)
			}
			return 0, fmt.Errorf("op=signals.persist: %w", err)
		}
		ingested += res.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=signals.persist: %w", err)
	}
	return ingested, nil
}
