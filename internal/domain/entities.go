// Package domain defines the entities, status enums and ports of the loader
// execution engine. It stays free of adapter concerns so repositories, the
// scheduler and the executor can be exercised against stubs.
package domain

import (
	"context"
	"time"
)

// LoadStatus enumerates the runtime state of a loader.
type LoadStatus string

const (
	LoadIdle    LoadStatus = "IDLE"
	LoadRunning LoadStatus = "RUNNING"
	LoadFailed  LoadStatus = "FAILED"
	LoadPaused  LoadStatus = "PAUSED"
)

// ApprovalStatus enumerates the admin approval state of a loader.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING_APPROVAL"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// PurgeStrategy controls how the sink treats rows already present for a window.
type PurgeStrategy string

const (
	PurgeFailOnDuplicate PurgeStrategy = "FAIL_ON_DUPLICATE"
	PurgeAndReload       PurgeStrategy = "PURGE_AND_RELOAD"
	PurgeSkipDuplicates  PurgeStrategy = "SKIP_DUPLICATES"
)

// DBType enumerates supported source database engines.
type DBType string

const (
	DBPostgres DBType = "POSTGRES"
	DBMySQL    DBType = "MYSQL"
	DBOracle   DBType = "ORACLE"
)

// Loader is a persisted loader definition plus its runtime state.
// Invariants: Enabled implies ApprovalStatus == APPROVED; FailedSince is
// non-nil iff LoadStatus == FAILED; LastLoadTimestamp only advances on
// success.
type Loader struct {
	ID                        int64
	LoaderCode                string
	LoaderSQL                 string // encrypted at rest, decrypted for execution
	SourceDatabaseID          int64
	LoadStatus                LoadStatus
	Enabled                   bool
	ApprovalStatus            ApprovalStatus
	MinIntervalSeconds        int
	MaxIntervalSeconds        int
	MaxQueryPeriodSeconds     int
	MaxParallelExecutions     int
	LastLoadTimestamp         *time.Time
	SourceTimezoneOffsetHours int
	AggregationPeriodSeconds  *int
	PurgeStrategy             PurgeStrategy
	FailedSince               *time.Time
	ConsecutiveZeroRecordRuns int
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
	CreatedBy                 string
	UpdatedBy                 string
	ApprovedBy                string
	ApprovedAt                *time.Time
	RejectedBy                string
	RejectedAt                *time.Time
	RejectionReason           string
}

// SourceDatabase holds connection parameters for one source engine.
// Password is encrypted at rest.
type SourceDatabase struct {
	ID        int64
	DBCode    string
	DBType    DBType
	IP        string
	Port      int
	DBName    string
	UserName  string
	Password  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HistoryStatus enumerates execution-log states.
type HistoryStatus string

const (
	HistoryRunning HistoryStatus = "RUNNING"
	HistorySuccess HistoryStatus = "SUCCESS"
	HistoryFailed  HistoryStatus = "FAILED"
)

// LoadHistory is one row of the append-only execution log. A preliminary
// RUNNING row is written at execution start and finalised in place.
type LoadHistory struct {
	ID                 int64
	LoaderCode         string
	SourceDatabaseCode string
	ReplicaName        string
	StartTime          time.Time
	EndTime            *time.Time
	DurationSeconds    *int64
	QueryFromTime      *time.Time
	QueryToTime        *time.Time
	Status             HistoryStatus
	RecordsLoaded      int64
	RecordsIngested    int64
	ErrorMessage       string
	CreatedAt          time.Time
}

// ExecutionLock is a persisted lease claiming the right to execute a loader.
type ExecutionLock struct {
	ID          int64
	LoaderCode  string
	ReplicaName string
	AcquiredAt  time.Time
	Released    bool
	ReleasedAt  *time.Time
}

// Signal is one canonical aggregated record bound for signals_history.
// LoadTimestamp is epoch seconds; SegmentCode is the string form of the
// integer segment code.
type Signal struct {
	LoaderCode    string
	LoadTimestamp int64
	SegmentCode   string
	RecCount      *int64
	MaxVal        *float64
	MinVal        *float64
	AvgVal        *float64
	SumVal        *float64
	CreateTime    time.Time
}

// SegmentKey is the 10-tuple of segment values identifying a segment code.
// Nil slots are legal and significant.
type SegmentKey [10]*string

// Window is the half-open interval [From, To) of source data one execution pulls.
type Window struct {
	From time.Time
	To   time.Time
}

// Degenerate reports whether the window would select nothing.
func (w Window) Degenerate() bool { return !w.From.Before(w.To) }

// Row is one materialised source result row keyed by lower-cased column name.
type Row map[string]any

// HistoryFilter narrows admin history queries. Zero values mean "any".
type HistoryFilter struct {
	LoaderCode string
	Status     HistoryStatus
	FromTime   *time.Time
	ToTime     *time.Time
	Limit      int
}

// Repositories (ports)

// LoaderRepository persists loader definitions and runtime state. Status
// mutations take a short row lock so admin writes do not race the executor.
type LoaderRepository interface {
	ListEnabled(ctx Context) ([]Loader, error)
	GetByCode(ctx Context, code string) (Loader, error)
	Create(ctx Context, l Loader) (int64, error)
	UpdateDefinition(ctx Context, l Loader) error
	SetRunning(ctx Context, code string) error
	CompleteSuccess(ctx Context, code string, watermark time.Time, zeroRecords bool) error
	CompleteFailure(ctx Context, code string, failedAt time.Time) error
	Pause(ctx Context, code string) error
	Resume(ctx Context, code string) error
	AdjustTimestamp(ctx Context, code string, ts *time.Time) error
	ResetFailedBefore(ctx Context, cutoff time.Time) (int64, error)
	ListByStatus(ctx Context, status LoadStatus) ([]Loader, error)
	ForceFailed(ctx Context, code string, failedAt time.Time) error
}

// HistoryRepository owns the load_history log.
type HistoryRepository interface {
	Start(ctx Context, h LoadHistory) (int64, error)
	Finalize(ctx Context, h LoadHistory) error
	Query(ctx Context, f HistoryFilter) ([]LoadHistory, error)
	LatestRunning(ctx Context, loaderCode string) (LoadHistory, error)
}

// LockService serialises executions of one loader across the replica fleet.
type LockService interface {
	TryAcquire(ctx Context, loaderCode string, maxParallel int, replicaName string) (int64, bool, error)
	Release(ctx Context, lockID int64) error
	ReclaimStale(ctx Context, maxAge time.Duration) (int64, error)
	HasUnreleased(ctx Context, loaderCode string) (bool, error)
}

// SignalRepository persists transformed signals honoring the purge strategy.
// It returns the number of rows actually ingested.
type SignalRepository interface {
	Persist(ctx Context, loaderCode string, signals []Signal, strategy PurgeStrategy, w Window) (int64, error)
}

// SegmentDictionary maps segment tuples to stable integer codes per loader.
type SegmentDictionary interface {
	GetOrCreateCode(ctx Context, loaderCode string, key SegmentKey) (int64, error)
}

// SourceDatabaseRepository resolves source connection records.
type SourceDatabaseRepository interface {
	GetByID(ctx Context, id int64) (SourceDatabase, error)
	GetByCode(ctx Context, code string) (SourceDatabase, error)
	Create(ctx Context, db SourceDatabase) (int64, error)
}

// SourceRunner executes a read-only query against a source database.
type SourceRunner interface {
	RunQuery(ctx Context, dbCode string, sql string) ([]Row, error)
}

// Cipher is authenticated symmetric encryption for persisted sensitive fields.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(cipher string) (string, error)
	IsEncrypted(s string) bool
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
