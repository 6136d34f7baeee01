package usecase

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

// Executor runs one full loader execution: status transitions, windowing,
// source query, transform, sink persist and the history record. The caller
// must hold an execution lock for the loader; the executor owns every state
// mutation on the loader row until it returns.
type Executor struct {
	Loaders     domain.LoaderRepository
	History     domain.HistoryRepository
	Sources     domain.SourceDatabaseRepository
	Runner      domain.SourceRunner
	Signals     domain.SignalRepository
	Windows     WindowCalculator
	Transform   Transformer
	Cipher      domain.Cipher
	ReplicaName string
	// HungThreshold bounds one execution end to end.
	HungThreshold time.Duration
	Now           func() time.Time
}

// Execute performs one execution of l and returns the final history record.
// A loader that stopped being runnable since the scheduler's fetch is skipped
// with a zero-value history. Failures never propagate: they are classified
// into the history row and the loader is moved to FAILED with its watermark
// untouched, so the same window is retried after recovery.
func (e *Executor) Execute(ctx domain.Context, l domain.Loader) domain.LoadHistory {
	tracer := otel.Tracer("usecase.executor")
	ctx, span := tracer.Start(ctx, "executor.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("loader.code", l.LoaderCode))

	if e.HungThreshold > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.HungThreshold)
		defer cancel()
	}

	now := e.now()
	src, srcErr := e.Sources.GetByID(ctx, l.SourceDatabaseID)

	hist := domain.LoadHistory{
		LoaderCode:         l.LoaderCode,
		SourceDatabaseCode: src.DBCode,
		ReplicaName:        e.ReplicaName,
		StartTime:          now,
		Status:             domain.HistoryRunning,
	}

	// Claim the loader before anything else. A pause (or another claim)
	// landing after the scheduler's fetch surfaces as a conflict here and
	// the execution never starts.
	if err := e.Loaders.SetRunning(ctx, l.LoaderCode); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.Info("loader no longer runnable; skipping",
				slog.String("loader", l.LoaderCode), slog.Any("cause", err))
			return domain.LoadHistory{}
		}
		return e.finalizeFailure(ctx, l, hist, domain.NewExecError(domain.KindSchedulerTransient, err))
	}

	histID, err := e.History.Start(ctx, hist)
	if err != nil {
		slog.Error("history start failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
		return e.finalizeFailure(ctx, l, hist, domain.NewExecError(domain.KindSchedulerTransient, err))
	}
	hist.ID = histID

	observability.ExecutionsRunning.Inc()
	defer observability.ExecutionsRunning.Dec()

	if srcErr != nil {
		return e.finalizeFailure(ctx, l, hist, domain.NewExecError(domain.KindSourceUnavailable, srcErr))
	}

	w, err := e.Windows.Calculate(&l)
	if err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}
	hist.QueryFromTime = &w.From
	hist.QueryToTime = &w.To

	// Fully caught up: succeed with zero records without touching the source.
	if w.Degenerate() {
		return e.finalizeSuccess(ctx, l, hist, w, 0, 0, true)
	}

	plainSQL, err := e.Cipher.Decrypt(l.LoaderSQL)
	if err != nil {
		slog.Error("loader sql decrypt failed; check encryption key",
			slog.String("loader", l.LoaderCode), slog.Any("error", err))
		return e.finalizeFailure(ctx, l, hist, err)
	}
	if err := CheckReadOnly(plainSQL); err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}
	query, err := ReplaceParams(plainSQL, w, l.SourceTimezoneOffsetHours, 0)
	if err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}

	rows, err := e.Runner.RunQuery(ctx, src.DBCode, query)
	if err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}

	signals, err := e.Transform.Transform(ctx, l.LoaderCode, rows)
	if err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}

	ingested, err := e.Signals.Persist(ctx, l.LoaderCode, signals, l.PurgeStrategy, w)
	if err != nil {
		return e.finalizeFailure(ctx, l, hist, err)
	}

	// The zero-record streak counts windows that transformed into nothing;
	// an all-duplicate batch under SKIP_DUPLICATES is not a zero-record run.
	return e.finalizeSuccess(ctx, l, hist, w, int64(len(rows)), ingested, len(signals) == 0)
}

func (e *Executor) finalizeSuccess(ctx domain.Context, l domain.Loader, hist domain.LoadHistory, w domain.Window, loaded, ingested int64, zeroRun bool) domain.LoadHistory {
	end := e.now()
	dur := int64(end.Sub(hist.StartTime) / time.Second)
	hist.Status = domain.HistorySuccess
	hist.EndTime = &end
	hist.DurationSeconds = &dur
	hist.RecordsLoaded = loaded
	hist.RecordsIngested = ingested

	if err := e.Loaders.CompleteSuccess(ctx, l.LoaderCode, w.To, zeroRun); err != nil {
		slog.Error("loader success update failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
	}
	if err := e.History.Finalize(ctx, hist); err != nil {
		slog.Error("history finalize failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
	}
	observability.ExecutionsTotal.WithLabelValues(l.LoaderCode, "success").Inc()
	observability.RecordsIngestedTotal.WithLabelValues(l.LoaderCode).Add(float64(ingested))
	slog.Info("execution succeeded",
		slog.String("loader", l.LoaderCode),
		slog.Time("from", w.From), slog.Time("to", w.To),
		slog.Int64("loaded", loaded), slog.Int64("ingested", ingested))
	return hist
}

func (e *Executor) finalizeFailure(ctx domain.Context, l domain.Loader, hist domain.LoadHistory, cause error) domain.LoadHistory {
	// A cancelled or expired context would also doom the finalisation
	// writes; detach from it so the FAILED record lands best-effort.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = domain.NewExecError(domain.KindQueryTimeout, cause)
		}
	}
	end := e.now()
	dur := int64(end.Sub(hist.StartTime) / time.Second)
	hist.Status = domain.HistoryFailed
	hist.EndTime = &end
	hist.DurationSeconds = &dur
	hist.RecordsLoaded = 0
	hist.RecordsIngested = 0
	hist.ErrorMessage = cause.Error()

	if err := e.Loaders.CompleteFailure(ctx, l.LoaderCode, end); err != nil {
		slog.Error("loader failure update failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
	}
	if hist.ID != 0 {
		if err := e.History.Finalize(ctx, hist); err != nil {
			slog.Error("history finalize failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
		}
	}
	kind := domain.Classify(cause)
	observability.ExecutionsTotal.WithLabelValues(l.LoaderCode, "failed").Inc()
	observability.ExecutionFailuresTotal.WithLabelValues(string(kind)).Inc()
	slog.Warn("execution failed",
		slog.String("loader", l.LoaderCode),
		slog.String("kind", string(kind)),
		slog.Any("error", cause))
	return hist
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
