package postgres

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// HistoryRepo owns the append-only execution log.
type HistoryRepo struct{ Pool PgxPool }

// NewHistoryRepo constructs a HistoryRepo with the given pool.
func NewHistoryRepo(p PgxPool) *HistoryRepo { return &HistoryRepo{Pool: p} }

// Start inserts the preliminary RUNNING record and returns its id.
func (r *HistoryRepo) Start(ctx domain.Context, h domain.LoadHistory) (int64, error) {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Start")
	defer span.End()
	q := `INSERT INTO loader.load_history (loader_code, source_database_code, replica_name,
		start_time, status, created_at) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`
	var id int64
	err := r.Pool.QueryRow(ctx, q, h.LoaderCode, h.SourceDatabaseCode, h.ReplicaName,
		h.StartTime.UTC(), domain.HistoryRunning, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("op=history.start: %w", err)
	}
	return id, nil
}

// Finalize updates the record in place with the terminal status and counters.
func (r *HistoryRepo) Finalize(ctx domain.Context, h domain.LoadHistory) error {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Finalize")
	defer span.End()
	q := `UPDATE loader.load_history SET end_time=$2, duration_seconds=$3, query_from_time=$4,
		query_to_time=$5, status=$6, records_loaded=$7, records_ingested=$8, error_message=$9
		WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, h.ID, h.EndTime, h.DurationSeconds, h.QueryFromTime,
		h.QueryToTime, h.Status, h.RecordsLoaded, h.RecordsIngested, h.ErrorMessage)
	if err != nil {
		return fmt.Errorf("op=history.finalize: %w", err)
	}
	return nil
}

// LatestRunning returns the most recent RUNNING record for a loader.
func (r *HistoryRepo) LatestRunning(ctx domain.Context, loaderCode string) (domain.LoadHistory, error) {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.LatestRunning")
	defer span.End()
	q := `SELECT id, loader_code, source_database_code, replica_name, start_time, end_time,
		duration_seconds, query_from_time, query_to_time, status, records_loaded,
		records_ingested, error_message, created_at
		FROM loader.load_history WHERE loader_code=$1 AND status=$2
		ORDER BY start_time DESC LIMIT 1`
	h, err := scanHistory(r.Pool.QueryRow(ctx, q, loaderCode, domain.HistoryRunning))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LoadHistory{}, fmt.Errorf("op=history.latest_running: %w", domain.ErrNotFound)
		}
		return domain.LoadHistory{}, fmt.Errorf("op=history.latest_running: %w", err)
	}
	return h, nil
}

// Query returns records matching f, newest first.
func (r *HistoryRepo) Query(ctx domain.Context, f domain.HistoryFilter) ([]domain.LoadHistory, error) {
	tracer := otel.Tracer("repo.history")
	ctx, span := tracer.Start(ctx, "history.Query")
	defer span.End()
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.LoaderCode != "" {
		add("loader_code = ", f.LoaderCode)
	}
	if f.Status != "" {
		add("status = ", f.Status)
	}
	if f.FromTime != nil {
		add("start_time >= ", f.FromTime.UTC())
	}
	if f.ToTime != nil {
		add("start_time < ", f.ToTime.UTC())
	}
	q := `SELECT id, loader_code, source_database_code, replica_name, start_time, end_time,
		duration_seconds, query_from_time, query_to_time, status, records_loaded,
		records_ingested, error_message, created_at FROM loader.load_history`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	q += " ORDER BY start_time DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=history.query: %w", err)
	}
	defer rows.Close()
	var out []domain.LoadHistory
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("op=history.query: %w", err)
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=history.query: %w", err)
	}
	return out, nil
}

func scanHistory(row pgx.Row) (domain.LoadHistory, error) {
	var h domain.LoadHistory
	err := row.Scan(&h.ID, &h.LoaderCode, &h.SourceDatabaseCode, &h.ReplicaName,
		&h.StartTime, &h.EndTime, &h.DurationSeconds, &h.QueryFromTime, &h.QueryToTime,
		&h.Status, &h.RecordsLoaded, &h.RecordsIngested, &h.ErrorMessage, &h.CreatedAt)
	return h, err
}
