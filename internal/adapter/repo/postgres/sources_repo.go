package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// SourceRepo resolves source database connection records.
type SourceRepo struct{ Pool PgxPool }

// NewSourceRepo constructs a SourceRepo with the given pool.
func NewSourceRepo(p PgxPool) *SourceRepo { return &SourceRepo{Pool: p} }

const sourceColumns = `id, db_code, db_type, ip, port, db_name, user_name, pass_word, created_at, updated_at`

func scanSource(row pgx.Row) (domain.SourceDatabase, error) {
	var s domain.SourceDatabase
	err := row.Scan(&s.ID, &s.DBCode, &s.DBType, &s.IP, &s.Port, &s.DBName,
		&s.UserName, &s.Password, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// GetByID loads a source database record by primary key.
func (r *SourceRepo) GetByID(ctx domain.Context, id int64) (domain.SourceDatabase, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.GetByID")
	defer span.End()
	s, err := scanSource(r.Pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM loader.source_database WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SourceDatabase{}, fmt.Errorf("op=source.get: %w", domain.ErrNotFound)
		}
		return domain.SourceDatabase{}, fmt.Errorf("op=source.get: %w", err)
	}
	return s, nil
}

// GetByCode loads a source database record by its natural key.
func (r *SourceRepo) GetByCode(ctx domain.Context, code string) (domain.SourceDatabase, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.GetByCode")
	defer span.End()
	s, err := scanSource(r.Pool.QueryRow(ctx,
		`SELECT `+sourceColumns+` FROM loader.source_database WHERE db_code=$1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SourceDatabase{}, fmt.Errorf("op=source.get_by_code: %w", domain.ErrNotFound)
		}
		return domain.SourceDatabase{}, fmt.Errorf("op=source.get_by_code: %w", err)
	}
	return s, nil
}

// Create inserts a new source database record and returns its id.
func (r *SourceRepo) Create(ctx domain.Context, db domain.SourceDatabase) (int64, error) {
	tracer := otel.Tracer("repo.sources")
	ctx, span := tracer.Start(ctx, "sources.Create")
	defer span.End()
	now := time.Now().UTC()
	var id int64
	err := r.Pool.QueryRow(ctx,
		`INSERT INTO loader.source_database (db_code, db_type, ip, port, db_name, user_name, pass_word, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id`,
		db.DBCode, db.DBType, db.IP, db.Port, db.DBName, db.UserName, db.Password, now).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("op=source.create: %w", domain.ErrConflict)
		}
		return 0, fmt.Errorf("op=source.create: %w", err)
	}
	return id, nil
}
