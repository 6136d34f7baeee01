package app_test

import (
	"sync"
	"time"

	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// fakeLoaders is an in-memory LoaderRepository good enough for scheduler and
// recovery tests.
type fakeLoaders struct {
	mu       sync.Mutex
	enabled  []domain.Loader
	listErr  error
	byStatus map[domain.LoadStatus][]domain.Loader

	resetCutoff  time.Time
	resetReturns int64
	forcedFailed []string
	successCodes []string
	failureCodes []string
	runningCodes []string
}

func (f *fakeLoaders) ListEnabled(domain.Context) ([]domain.Loader, error) {
	return f.enabled, f.listErr
}
func (f *fakeLoaders) GetByCode(domain.Context, string) (domain.Loader, error) {
	return domain.Loader{}, domain.ErrNotFound
}
func (f *fakeLoaders) Create(domain.Context, domain.Loader) (int64, error)  { return 0, nil }
func (f *fakeLoaders) UpdateDefinition(domain.Context, domain.Loader) error { return nil }
func (f *fakeLoaders) SetRunning(_ domain.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runningCodes = append(f.runningCodes, code)
	return nil
}
func (f *fakeLoaders) CompleteSuccess(_ domain.Context, code string, _ time.Time, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successCodes = append(f.successCodes, code)
	return nil
}
func (f *fakeLoaders) CompleteFailure(_ domain.Context, code string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureCodes = append(f.failureCodes, code)
	return nil
}
func (f *fakeLoaders) Pause(domain.Context, string) error                       { return nil }
func (f *fakeLoaders) Resume(domain.Context, string) error                      { return nil }
func (f *fakeLoaders) AdjustTimestamp(domain.Context, string, *time.Time) error { return nil }
func (f *fakeLoaders) ResetFailedBefore(_ domain.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCutoff = cutoff
	return f.resetReturns, nil
}
func (f *fakeLoaders) ListByStatus(_ domain.Context, status domain.LoadStatus) ([]domain.Loader, error) {
	return f.byStatus[status], nil
}
func (f *fakeLoaders) ForceFailed(_ domain.Context, code string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forcedFailed = append(f.forcedFailed, code)
	return nil
}

// fakeLocks records acquisition order and release calls.
type fakeLocks struct {
	mu         sync.Mutex
	grant      bool
	nextID     int64
	tried      []string
	released   []int64
	unreleased map[string]bool
}

func (f *fakeLocks) TryAcquire(_ domain.Context, loaderCode string, _ int, _ string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tried = append(f.tried, loaderCode)
	if !f.grant {
		return 0, false, nil
	}
	f.nextID++
	return f.nextID, true, nil
}
func (f *fakeLocks) Release(_ domain.Context, lockID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, lockID)
	return nil
}
func (f *fakeLocks) ReclaimStale(domain.Context, time.Duration) (int64, error) { return 0, nil }
func (f *fakeLocks) HasUnreleased(_ domain.Context, loaderCode string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreleased[loaderCode], nil
}

func (f *fakeLocks) triedCodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tried))
	copy(out, f.tried)
	return out
}

func (f *fakeLocks) releasedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.released))
	copy(out, f.released)
	return out
}

// fakeHistory serves LatestRunning per loader and records finalisations.
type fakeHistory struct {
	mu        sync.Mutex
	running   map[string]domain.LoadHistory
	finalized []domain.LoadHistory
}

func (f *fakeHistory) Start(domain.Context, domain.LoadHistory) (int64, error) { return 1, nil }
func (f *fakeHistory) Finalize(_ domain.Context, h domain.LoadHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, h)
	return nil
}
func (f *fakeHistory) Query(domain.Context, domain.HistoryFilter) ([]domain.LoadHistory, error) {
	return nil, nil
}
func (f *fakeHistory) LatestRunning(_ domain.Context, loaderCode string) (domain.LoadHistory, error) {
	h, ok := f.running[loaderCode]
	if !ok {
		return domain.LoadHistory{}, domain.ErrNotFound
	}
	return h, nil
}

type fakeSources struct{ db domain.SourceDatabase }

func (f *fakeSources) GetByID(domain.Context, int64) (domain.SourceDatabase, error) {
	return f.db, nil
}
func (f *fakeSources) GetByCode(domain.Context, string) (domain.SourceDatabase, error) {
	return f.db, nil
}
func (f *fakeSources) Create(domain.Context, domain.SourceDatabase) (int64, error) { return 0, nil }

type fakeRunner struct{ rows []domain.Row }

func (f *fakeRunner) RunQuery(domain.Context, string, string) ([]domain.Row, error) {
	return f.rows, nil
}

type fakeSignals struct{}

func (fakeSignals) Persist(_ domain.Context, _ string, signals []domain.Signal, _ domain.PurgeStrategy, _ domain.Window) (int64, error) {
	return int64(len(signals)), nil
}

type fakeSegments struct{}

func (fakeSegments) GetOrCreateCode(domain.Context, string, domain.SegmentKey) (int64, error) {
	return 1, nil
}

type identityCipher struct{}

func (identityCipher) Encrypt(p string) (string, error) { return p, nil }
func (identityCipher) Decrypt(c string) (string, error) { return c, nil }
func (identityCipher) IsEncrypted(string) bool          { return true }
