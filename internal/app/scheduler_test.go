package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/app"
	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

func schedulerUnder(loaders *fakeLoaders, locks *fakeLocks, now time.Time) *app.Scheduler {
	clock := func() time.Time { return now }
	exec := &usecase.Executor{
		Loaders:     loaders,
		History:     &fakeHistory{running: map[string]domain.LoadHistory{}},
		Sources:     &fakeSources{db: domain.SourceDatabase{ID: 1, DBCode: "BILLING"}},
		Runner:      &fakeRunner{},
		Signals:     fakeSignals{},
		Windows:     usecase.WindowCalculator{Lookback: 24 * time.Hour, Now: clock},
		Transform:   usecase.Transformer{Segments: fakeSegments{}, Now: clock},
		Cipher:      identityCipher{},
		ReplicaName: "replica-a",
		Now:         clock,
	}
	rec := app.NewRecoverer(loaders, &fakeHistory{}, locks, 20*time.Minute, 30*time.Minute)
	s := app.NewScheduler(loaders, locks, exec, rec, "replica-a",
		time.Second, time.Minute, time.Minute, 30*time.Minute, 20*time.Minute, 4)
	s.Now = clock
	return s
}

func approvedLoader(code string, status domain.LoadStatus, mark *time.Time) domain.Loader {
	return domain.Loader{
		LoaderCode:            code,
		LoaderSQL:             "SELECT ts AS timestamp FROM t WHERE ts >= :fromTime AND ts < :toTime",
		SourceDatabaseID:      1,
		LoadStatus:            status,
		Enabled:               true,
		ApprovalStatus:        domain.ApprovalApproved,
		MinIntervalSeconds:    300,
		MaxIntervalSeconds:    3600,
		MaxQueryPeriodSeconds: 3600,
		MaxParallelExecutions: 1,
		LastLoadTimestamp:     mark,
		PurgeStrategy:         domain.PurgeFailOnDuplicate,
	}
}

func TestDispatch_EligibilityAndOrdering(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-2 * time.Hour)   // past maxInterval: overdue
	stale := now.Add(-30 * time.Minute)
	fresher := now.Add(-20 * time.Minute)
	recent := now.Add(-time.Minute)  // inside minInterval
	failedOld := now.Add(-time.Hour)
	failedFresh := now.Add(-5 * time.Minute)

	pending := approvedLoader("PENDING", domain.LoadIdle, &stale)
	pending.ApprovalStatus = domain.ApprovalPending
	paused := approvedLoader("PAUSED", domain.LoadPaused, &stale)
	running := approvedLoader("RUNNING", domain.LoadRunning, &stale)
	gated := approvedLoader("GATED", domain.LoadIdle, &recent)

	freshFail := approvedLoader("FAILED_FRESH", domain.LoadFailed, &stale)
	freshFail.FailedSince = &failedFresh
	oldFail := approvedLoader("FAILED_OLD", domain.LoadFailed, &fresher)
	oldFail.FailedSince = &failedOld

	neverRan := approvedLoader("NEVER_RAN", domain.LoadIdle, nil)
	idleStale := approvedLoader("IDLE_STALE", domain.LoadIdle, &stale)
	idleFresher := approvedLoader("IDLE_FRESHER", domain.LoadIdle, &fresher)
	overdue := approvedLoader("OVERDUE", domain.LoadIdle, &old)

	loaders := &fakeLoaders{enabled: []domain.Loader{
		idleFresher, pending, freshFail, paused, overdue, gated, running, neverRan, oldFail, idleStale,
	}}
	locks := &fakeLocks{grant: false}

	s := schedulerUnder(loaders, locks, now)
	s.DispatchOnce(context.Background())

	// Overdue first, then IDLE before FAILED, then oldest (nil-first) watermark.
	assert.Equal(t, []string{"OVERDUE", "NEVER_RAN", "IDLE_STALE", "IDLE_FRESHER", "FAILED_OLD"},
		locks.triedCodes())
}

func TestDispatch_ExecutesAndReleasesLock(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-30 * time.Minute)
	loaders := &fakeLoaders{enabled: []domain.Loader{
		approvedLoader("USAGE_HOURLY", domain.LoadIdle, &mark),
	}}
	locks := &fakeLocks{grant: true}

	s := schedulerUnder(loaders, locks, now)
	s.DispatchOnce(context.Background())

	require.Eventually(t, func() bool {
		return len(locks.releasedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond, "lease must be released after the execution finishes")

	loaders.mu.Lock()
	defer loaders.mu.Unlock()
	assert.Equal(t, []string{"USAGE_HOURLY"}, loaders.successCodes)
	assert.Empty(t, loaders.failureCodes)
}

func TestDispatch_LockHeldElsewhereSkips(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mark := now.Add(-30 * time.Minute)
	loaders := &fakeLoaders{enabled: []domain.Loader{
		approvedLoader("USAGE_HOURLY", domain.LoadIdle, &mark),
	}}
	locks := &fakeLocks{grant: false}

	s := schedulerUnder(loaders, locks, now)
	s.DispatchOnce(context.Background())

	// No execution started, and nothing to release.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, locks.releasedIDs())
	loaders.mu.Lock()
	defer loaders.mu.Unlock()
	assert.Empty(t, loaders.runningCodes)
}

func TestDispatch_FetchErrorRetriesNextTick(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loaders := &fakeLoaders{listErr: assert.AnError}
	locks := &fakeLocks{grant: true}

	s := schedulerUnder(loaders, locks, now)
	// Must not panic or dispatch anything.
	s.DispatchOnce(context.Background())
	assert.Empty(t, locks.triedCodes())
}
