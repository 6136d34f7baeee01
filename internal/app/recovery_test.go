package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/app"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

func TestRecovery_ResetsFailedPastThreshold(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	loaders := &fakeLoaders{resetReturns: 2, byStatus: map[domain.LoadStatus][]domain.Loader{}}
	rec := app.NewRecoverer(loaders, &fakeHistory{}, &fakeLocks{}, 20*time.Minute, 30*time.Minute)
	rec.Now = func() time.Time { return now }

	rec.RecoverOnce(context.Background())

	assert.Equal(t, now.Add(-20*time.Minute), loaders.resetCutoff)
}

func TestRecovery_ForcesHungRunningLoaders(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	leased := approvedLoader("LEASED", domain.LoadRunning, nil)
	hung := approvedLoader("HUNG", domain.LoadRunning, nil)
	fresh := approvedLoader("FRESH", domain.LoadRunning, nil)
	noHistory := approvedLoader("NO_HISTORY", domain.LoadRunning, nil)

	loaders := &fakeLoaders{byStatus: map[domain.LoadStatus][]domain.Loader{
		domain.LoadRunning: {leased, hung, fresh, noHistory},
	}}
	locks := &fakeLocks{unreleased: map[string]bool{"LEASED": true}}
	history := &fakeHistory{running: map[string]domain.LoadHistory{
		"LEASED": {ID: 1, LoaderCode: "LEASED", StartTime: now.Add(-2 * time.Hour), Status: domain.HistoryRunning},
		"HUNG":   {ID: 2, LoaderCode: "HUNG", ReplicaName: "replica-dead", StartTime: now.Add(-time.Hour), Status: domain.HistoryRunning},
		"FRESH":  {ID: 3, LoaderCode: "FRESH", StartTime: now.Add(-5 * time.Minute), Status: domain.HistoryRunning},
	}}

	rec := app.NewRecoverer(loaders, history, locks, 20*time.Minute, 30*time.Minute)
	rec.Now = func() time.Time { return now }
	rec.RecoverOnce(context.Background())

	// Only the lease-less loader with a stale RUNNING history is forced over.
	assert.Equal(t, []string{"HUNG"}, loaders.forcedFailed)

	require.Len(t, history.finalized, 1)
	final := history.finalized[0]
	assert.Equal(t, int64(2), final.ID)
	assert.Equal(t, domain.HistoryFailed, final.Status)
	assert.Equal(t, "execution timed out; replica dead", final.ErrorMessage)
	require.NotNil(t, final.EndTime)
	assert.Equal(t, now, *final.EndTime)
	require.NotNil(t, final.DurationSeconds)
	assert.Equal(t, int64(3600), *final.DurationSeconds)
}
