package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

func sampleSignals(n int) []domain.Signal {
	out := make([]domain.Signal, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Signal{
			LoaderCode:    "USAGE_HOURLY",
			LoadTimestamp: int64(1772359200 + i*60),
			SegmentCode:   "1",
			CreateTime:    time.Now().UTC(),
		})
	}
	return out
}

func sampleWindow() domain.Window {
	return domain.Window{
		From: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		To:   time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestSignals_EmptyBatchSkipsTransaction(t *testing.T) {
	t.Parallel()
	pool := &poolStub{} // any pool use would fail
	repo := postgres.NewSignalRepo(pool)

	n, err := repo.Persist(context.Background(), "USAGE_HOURLY", nil, domain.PurgeFailOnDuplicate, sampleWindow())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSignals_InsertsAndCounts(t *testing.T) {
	t.Parallel()
	var stmts []string
	tx := &txStub{}
	tx.execFn = func(sql string, _ []any) (pgconn.CommandTag, error) {
		stmts = append(stmts, sql)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	pool := &poolStub{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewSignalRepo(pool)

	n, err := repo.Persist(context.Background(), "USAGE_HOURLY", sampleSignals(3), domain.PurgeFailOnDuplicate, sampleWindow())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.True(t, tx.committed)
	require.Len(t, stmts, 3)
	assert.NotContains(t, stmts[0], "ON CONFLICT")
	assert.NotContains(t, stmts[0], "DELETE")
}

func TestSignals_PurgeAndReloadDeletesWindowFirst(t *testing.T) {
	t.Parallel()
	var stmts []string
	var deleteArgs []any
	tx := &txStub{}
	tx.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
		stmts = append(stmts, sql)
		if len(stmts) == 1 {
			deleteArgs = args
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	pool := &poolStub{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewSignalRepo(pool)

	w := sampleWindow()
	_, err := repo.Persist(context.Background(), "USAGE_HOURLY", sampleSignals(1), domain.PurgeAndReload, w)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(stmts), 2)
	assert.Contains(t, stmts[0], "DELETE FROM loader.signals_history")
	// The purge is bounded to the executed window in epoch seconds.
	assert.Equal(t, []any{"USAGE_HOURLY", w.From.Unix(), w.To.Unix()}, deleteArgs)
}

func TestSignals_SkipDuplicatesUsesOnConflict(t *testing.T) {
	t.Parallel()
	var stmts []string
	tx := &txStub{}
	calls := 0
	tx.execFn = func(sql string, _ []any) (pgconn.CommandTag, error) {
		stmts = append(stmts, sql)
		calls++
		if calls == 2 {
			// Second row is a duplicate: DO NOTHING affects zero rows.
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	pool := &poolStub{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewSignalRepo(pool)

	n, err := repo.Persist(context.Background(), "USAGE_HOURLY", sampleSignals(3), domain.PurgeSkipDuplicates, sampleWindow())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Contains(t, stmts[0], "ON CONFLICT (loader_code, load_time_stamp, segment_code) DO NOTHING")
}

// signalTable emulates signals_history semantics for replay tests: inserts
// stage inside a transaction and only land on commit, plain inserts raise
// 23505 on an existing key, ON CONFLICT inserts affect zero rows, and the
// purge delete is bounded to the window.
type signalTable struct {
	rows map[string][]any
}

func newSignalTable() *signalTable { return &signalTable{rows: map[string][]any{}} }

func (tbl *signalTable) snapshot() map[string][]any {
	out := make(map[string][]any, len(tbl.rows))
	for k, v := range tbl.rows {
		out[k] = v
	}
	return out
}

func (tbl *signalTable) persist(signals []domain.Signal, strategy domain.PurgeStrategy, w domain.Window) (int64, error) {
	pending := tbl.snapshot()
	key := func(args []any) string {
		return fmt.Sprintf("%v|%v|%v", args[0], args[1], args[2])
	}
	tx := &txStub{}
	tx.execFn = func(sql string, args []any) (pgconn.CommandTag, error) {
		switch {
		case strings.HasPrefix(sql, "DELETE"):
			loader, from, to := args[0].(string), args[1].(int64), args[2].(int64)
			for k, row := range pending {
				ts := row[1].(int64)
				if row[0] == loader && ts >= from && ts < to {
					delete(pending, k)
				}
			}
			return pgconn.NewCommandTag("DELETE 1"), nil
		case strings.Contains(sql, "ON CONFLICT"):
			if _, ok := pending[key(args)]; ok {
				return pgconn.NewCommandTag("INSERT 0 0"), nil
			}
			pending[key(args)] = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		default:
			if _, ok := pending[key(args)]; ok {
				return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
			}
			pending[key(args)] = args
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}
	}
	pool := &poolStub{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	n, err := postgres.NewSignalRepo(pool).Persist(context.Background(), "USAGE_HOURLY", signals, strategy, w)
	if tx.committed {
		tbl.rows = pending
	}
	return n, err
}

func TestSignals_ReplaySameWindowIsIdempotent(t *testing.T) {
	t.Parallel()
	// Timestamps inside the window so the purge delete covers the batch.
	w := sampleWindow()
	batch := sampleSignals(3)
	for i := range batch {
		batch[i].LoadTimestamp = w.From.Unix() + int64(i*60)
	}

	t.Run("purge and reload", func(t *testing.T) {
		t.Parallel()
		tbl := newSignalTable()
		n, err := tbl.persist(batch, domain.PurgeAndReload, w)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		first := tbl.snapshot()

		n, err = tbl.persist(batch, domain.PurgeAndReload, w)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.Equal(t, first, tbl.snapshot())
	})

	t.Run("skip duplicates", func(t *testing.T) {
		t.Parallel()
		tbl := newSignalTable()
		_, err := tbl.persist(batch, domain.PurgeSkipDuplicates, w)
		require.NoError(t, err)
		first := tbl.snapshot()

		n, err := tbl.persist(batch, domain.PurgeSkipDuplicates, w)
		require.NoError(t, err)
		// Replay ingests nothing and leaves the table untouched.
		assert.Zero(t, n)
		assert.Equal(t, first, tbl.snapshot())
	})

	t.Run("fail on duplicate", func(t *testing.T) {
		t.Parallel()
		tbl := newSignalTable()
		_, err := tbl.persist(batch, domain.PurgeFailOnDuplicate, w)
		require.NoError(t, err)
		first := tbl.snapshot()

		// Replay aborts the whole batch and the first run's content stands.
		_, err = tbl.persist(batch, domain.PurgeFailOnDuplicate, w)
		require.Error(t, err)
		var ee *domain.ExecError
		require.True(t, errors.As(err, &ee))
		assert.Equal(t, domain.KindSinkDuplicate, ee.Kind)
		assert.Equal(t, first, tbl.snapshot())
	})
}

func TestSignals_DuplicateIsClassified(t *testing.T) {
	t.Parallel()
	tx := &txStub{}
	tx.execFn = func(_ string, _ []any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
	}
	pool := &poolStub{beginFn: func() (pgx.Tx, error) { return tx, nil }}
	repo := postgres.NewSignalRepo(pool)

	_, err := repo.Persist(context.Background(), "USAGE_HOURLY", sampleSignals(1), domain.PurgeFailOnDuplicate, sampleWindow())
	require.Error(t, err)
	var ee *domain.ExecError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, domain.KindSinkDuplicate, ee.Kind)
	assert.False(t, tx.committed)
}
