// Package sourcedb maintains read-only connection pools against the
// heterogeneous source databases loaders pull from.
package sourcedb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	go_ora "github.com/sijms/go-ora/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	// database/sql drivers for the supported source engines.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// Manager memoises one pool per dbCode and rebuilds it lazily when the
// stored connection parameters change.
type Manager struct {
	Sources      domain.SourceDatabaseRepository
	Cipher       domain.Cipher
	QueryTimeout time.Duration
	MaxConns     int
	DialTimeout  time.Duration

	mu    sync.Mutex
	pools map[string]*entry
}

type entry struct {
	db       *sql.DB
	checksum string
}

// NewManager constructs a Manager over the source repository.
func NewManager(sources domain.SourceDatabaseRepository, cipher domain.Cipher, queryTimeout time.Duration, maxConns int, dialTimeout time.Duration) *Manager {
	if queryTimeout <= 0 {
		queryTimeout = 60 * time.Second
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Manager{
		Sources:      sources,
		Cipher:       cipher,
		QueryTimeout: queryTimeout,
		MaxConns:     maxConns,
		DialTimeout:  dialTimeout,
		pools:        make(map[string]*entry),
	}
}

// checksum fingerprints the connection parameters; the encrypted password is
// enough to detect rotation without keeping plaintext around.
func checksum(src domain.SourceDatabase) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		src.DBType, src.IP, src.Port, src.DBName, src.UserName, src.Password, src.DBCode)))
	return hex.EncodeToString(h[:])
}

// RunQuery resolves the source record, obtains (or rebuilds) its pool and
// executes query under the per-query timeout, materialising every row with
// lower-cased column names.
func (m *Manager) RunQuery(ctx domain.Context, dbCode string, query string) ([]domain.Row, error) {
	tracer := otel.Tracer("sourcedb.manager")
	ctx, span := tracer.Start(ctx, "sourcedb.RunQuery")
	defer span.End()
	span.SetAttributes(attribute.String("db.code", dbCode))

	src, err := m.Sources.GetByCode(ctx, dbCode)
	if err != nil {
		return nil, domain.NewExecError(domain.KindSourceUnavailable, err)
	}
	db, err := m.pool(ctx, src)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, m.QueryTimeout)
	defer cancel()
	rows, err := db.QueryContext(qctx, query)
	observability.SourceQueryDuration.WithLabelValues(dbCode).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, classifyQueryErr(qctx, err)
	}
	defer func() { _ = rows.Close() }()

	out, err := materialize(rows)
	if err != nil {
		return nil, classifyQueryErr(qctx, err)
	}
	return out, nil
}

func classifyQueryErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.NewExecError(domain.KindQueryTimeout, err)
	}
	return domain.NewExecError(domain.KindQueryError, err)
}

func materialize(rows *sql.Rows) ([]domain.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	lower := make([]string, len(cols))
	for i, c := range cols {
		lower[i] = toLower(c)
	}
	var out []domain.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(domain.Row, len(cols))
		for i, name := range lower {
			row[name] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

// pool returns the memoised pool for src, building or rebuilding it when the
// record's connection parameters changed since the pool was opened.
func (m *Manager) pool(ctx domain.Context, src domain.SourceDatabase) (*sql.DB, error) {
	sum := checksum(src)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pools[src.DBCode]; ok && e.checksum == sum {
		return e.db, nil
	}
	if e, ok := m.pools[src.DBCode]; ok {
		slog.Info("source connection parameters changed; rebuilding pool",
			slog.String("db_code", src.DBCode))
		_ = e.db.Close()
		delete(m.pools, src.DBCode)
	}

	password, err := m.Cipher.Decrypt(src.Password)
	if err != nil {
		return nil, err
	}
	driver, dsn, err := buildDSN(src, password)
	if err != nil {
		return nil, domain.NewExecError(domain.KindSourceUnavailable, err)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, domain.NewExecError(domain.KindSourceUnavailable, err)
	}
	db.SetMaxOpenConns(m.MaxConns)
	db.SetMaxIdleConns(m.MaxConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, m.DialTimeout)
		defer cancel()
		return db.PingContext(pctx)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(ping, bo); err != nil {
		_ = db.Close()
		return nil, domain.NewExecError(domain.KindSourceUnavailable, err)
	}

	m.pools[src.DBCode] = &entry{db: db, checksum: sum}
	slog.Info("source pool opened",
		slog.String("db_code", src.DBCode), slog.String("db_type", string(src.DBType)))
	return db, nil
}

func buildDSN(src domain.SourceDatabase, password string) (driver, dsn string, err error) {
	switch src.DBType {
	case domain.DBPostgres:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(src.UserName, password),
			Host:   fmt.Sprintf("%s:%d", src.IP, src.Port),
			Path:   src.DBName,
		}
		return "pgx", u.String(), nil
	case domain.DBMySQL:
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			src.UserName, password, src.IP, src.Port, src.DBName), nil
	case domain.DBOracle:
		return "oracle", go_ora.BuildUrl(src.IP, src.Port, src.DBName, src.UserName, password, nil), nil
	default:
		return "", "", fmt.Errorf("unsupported db type %q", src.DBType)
	}
}

// Close shuts every pool down; called on process exit.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, e := range m.pools {
		_ = e.db.Close()
		delete(m.pools, code)
	}
}
