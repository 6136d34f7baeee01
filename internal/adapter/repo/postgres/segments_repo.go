package postgres

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// SegmentRepo maintains the per-loader mapping of 10-tuple segment values to
// dense integer codes. The first inserter for a tuple wins and its code is
// reused forever. A per-process cache keeps the hot path off the database.
type SegmentRepo struct {
	Pool PgxPool

	mu    sync.RWMutex
	cache map[string]int64
}

// NewSegmentRepo constructs a SegmentRepo with the given pool.
func NewSegmentRepo(p PgxPool) *SegmentRepo {
	return &SegmentRepo{Pool: p, cache: make(map[string]int64)}
}

// tupleMatch compares each slot with IS NOT DISTINCT FROM so nil slots are
// significant and equal to nil.
const tupleMatch = `seg1 IS NOT DISTINCT FROM $2 AND seg2 IS NOT DISTINCT FROM $3
	AND seg3 IS NOT DISTINCT FROM $4 AND seg4 IS NOT DISTINCT FROM $5
	AND seg5 IS NOT DISTINCT FROM $6 AND seg6 IS NOT DISTINCT FROM $7
	AND seg7 IS NOT DISTINCT FROM $8 AND seg8 IS NOT DISTINCT FROM $9
	AND seg9 IS NOT DISTINCT FROM $10 AND seg10 IS NOT DISTINCT FROM $11`

func cacheKey(loaderCode string, key domain.SegmentKey) string {
	var b strings.Builder
	b.WriteString(loaderCode)
	for _, s := range key {
		b.WriteByte(0x1f)
		if s == nil {
			b.WriteByte(0x00)
		} else {
			b.WriteString(*s)
		}
	}
	return b.String()
}

func tupleArgs(loaderCode string, key domain.SegmentKey) []any {
	args := make([]any, 0, 11)
	args = append(args, loaderCode)
	for _, s := range key {
		args = append(args, s)
	}
	return args
}

// GetOrCreateCode resolves the segment code for key, inserting a new dense
// code when the tuple is unseen. Codes start at 1 per loader.
func (r *SegmentRepo) GetOrCreateCode(ctx domain.Context, loaderCode string, key domain.SegmentKey) (int64, error) {
	ck := cacheKey(loaderCode, key)
	r.mu.RLock()
	if code, ok := r.cache[ck]; ok {
		r.mu.RUnlock()
		return code, nil
	}
	r.mu.RUnlock()

	tracer := otel.Tracer("repo.segments")
	ctx, span := tracer.Start(ctx, "segments.GetOrCreateCode")
	defer span.End()

	code, err := r.lookup(ctx, loaderCode, key)
	if err == nil {
		r.remember(ck, code)
		return code, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("op=segments.lookup: %w", err)
	}

	code, err = r.insert(ctx, loaderCode, key)
	if err != nil {
		return 0, err
	}
	r.remember(ck, code)
	return code, nil
}

func (r *SegmentRepo) lookup(ctx domain.Context, loaderCode string, key domain.SegmentKey) (int64, error) {
	q := `SELECT segment_code FROM loader.segment_dictionary WHERE loader_code=$1 AND ` + tupleMatch
	var code int64
	err := r.Pool.QueryRow(ctx, q, tupleArgs(loaderCode, key)...).Scan(&code)
	return code, err
}

// insert allocates max+1 under a per-loader advisory lock; a concurrent
// winner is detected by the unique tuple index and resolved by re-reading.
func (r *SegmentRepo) insert(ctx domain.Context, loaderCode string, key domain.SegmentKey) (int64, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=segments.insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey("segdict:"+loaderCode)); err != nil {
		return 0, fmt.Errorf("op=segments.insert: %w", err)
	}

	args := tupleArgs(loaderCode, key)
	q := `INSERT INTO loader.segment_dictionary
		(loader_code, segment_code, seg1, seg2, seg3, seg4, seg5, seg6, seg7, seg8, seg9, seg10)
		SELECT $1, COALESCE(MAX(segment_code), 0) + 1, $2,$3,$4,$5,$6,$7,$8,$9,$10,$11
		FROM loader.segment_dictionary WHERE loader_code=$1
		ON CONFLICT DO NOTHING
		RETURNING segment_code`
	var code int64
	err = tx.QueryRow(ctx, q, args...).Scan(&code)
	if errors.Is(err, pgx.ErrNoRows) {
		// A concurrent transaction inserted the same tuple first; its code wins.
		code, err = r.lookup(ctx, loaderCode, key)
		if err != nil {
			return 0, fmt.Errorf("op=segments.insert_race: %w", err)
		}
		return code, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=segments.insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=segments.insert: %w", err)
	}
	return code, nil
}

func (r *SegmentRepo) remember(ck string, code int64) {
	r.mu.Lock()
	r.cache[ck] = code
	r.mu.Unlock()
}
