package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
)

// hungMessage finalises history rows of executions whose replica died.
const hungMessage = "execution timed out; replica dead"

// Recoverer resets long-stuck loaders so scheduling resumes: FAILED loaders
// past the failure threshold go back to IDLE, and RUNNING loaders whose lease
// is gone and whose RUNNING history is stale are forced to FAILED.
type Recoverer struct {
	Loaders domain.LoaderRepository
	History domain.HistoryRepository
	Locks   domain.LockService

	FailedThreshold time.Duration
	HungThreshold   time.Duration
	Now             func() time.Time
}

// NewRecoverer constructs a Recoverer.
func NewRecoverer(loaders domain.LoaderRepository, history domain.HistoryRepository, locks domain.LockService, failedThreshold, hungThreshold time.Duration) *Recoverer {
	if failedThreshold <= 0 {
		failedThreshold = 20 * time.Minute
	}
	if hungThreshold <= 0 {
		hungThreshold = 30 * time.Minute
	}
	return &Recoverer{
		Loaders:         loaders,
		History:         history,
		Locks:           locks,
		FailedThreshold: failedThreshold,
		HungThreshold:   hungThreshold,
		Now:             time.Now,
	}
}

// RecoverOnce runs one recovery tick.
func (r *Recoverer) RecoverOnce(ctx context.Context) {
	tracer := otel.Tracer("app.recovery")
	ctx, span := tracer.Start(ctx, "recovery.RecoverOnce")
	defer span.End()

	now := r.Now().UTC()

	reset, err := r.Loaders.ResetFailedBefore(ctx, now.Add(-r.FailedThreshold))
	if err != nil {
		slog.Error("failed-loader reset failed", slog.Any("error", err))
	} else if reset > 0 {
		observability.LoadersRecovered.WithLabelValues("failed").Add(float64(reset))
		slog.Info("reset failed loaders to idle", slog.Int64("count", reset))
	}

	hung := r.resetHung(ctx, now)
	span.SetAttributes(
		attribute.Int64("recovery.failed_reset", reset),
		attribute.Int("recovery.hung_reset", hung),
	)
}

// resetHung handles loaders stuck in RUNNING: their lease must be gone
// (released or reclaimed) and their latest RUNNING history older than the
// hung threshold before they are forced to FAILED.
func (r *Recoverer) resetHung(ctx context.Context, now time.Time) int {
	running, err := r.Loaders.ListByStatus(ctx, domain.LoadRunning)
	if err != nil {
		slog.Error("running-loader list failed", slog.Any("error", err))
		return 0
	}
	count := 0
	for _, l := range running {
		held, err := r.Locks.HasUnreleased(ctx, l.LoaderCode)
		if err != nil {
			slog.Error("lease check failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
			continue
		}
		if held {
			// A live lease means some replica is (still) executing.
			continue
		}
		hist, err := r.History.LatestRunning(ctx, l.LoaderCode)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				slog.Error("running history lookup failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
			}
			continue
		}
		if now.Sub(hist.StartTime) < r.HungThreshold {
			continue
		}

		if err := r.Loaders.ForceFailed(ctx, l.LoaderCode, now); err != nil {
			slog.Error("hung loader reset failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
			continue
		}
		end := now
		dur := int64(end.Sub(hist.StartTime) / time.Second)
		hist.Status = domain.HistoryFailed
		hist.EndTime = &end
		hist.DurationSeconds = &dur
		hist.ErrorMessage = hungMessage
		if err := r.History.Finalize(ctx, hist); err != nil {
			slog.Error("hung history finalize failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
		}
		observability.LoadersRecovered.WithLabelValues("hung").Inc()
		slog.Warn("reset hung running loader to failed",
			slog.String("loader", l.LoaderCode),
			slog.String("replica", hist.ReplicaName),
			slog.Time("started", hist.StartTime))
		count++
	}
	return count
}
