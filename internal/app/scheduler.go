// Package app wires the periodic activities of a replica: the dispatch,
// recovery and stale-lock ticks, plus the admin HTTP router.
package app

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/domain"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

// Scheduler polls eligible loaders, orders them by priority and dispatches
// executions to a bounded worker pool under per-loader leases. It also owns
// the recovery and stale-lock ticks.
type Scheduler struct {
	Loaders     domain.LoaderRepository
	Locks       domain.LockService
	Executor    *usecase.Executor
	Recoverer   *Recoverer
	ReplicaName string

	DispatchPeriod  time.Duration
	RecoveryPeriod  time.Duration
	StaleLockPeriod time.Duration
	LockMaxAge      time.Duration
	FailedThreshold time.Duration
	PoolSize        int64

	Now func() time.Time

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewScheduler constructs a Scheduler with a worker pool of poolSize.
func NewScheduler(loaders domain.LoaderRepository, locks domain.LockService, exec *usecase.Executor, rec *Recoverer, replicaName string, dispatch, recovery, staleLock, lockMaxAge, failedThreshold time.Duration, poolSize int) *Scheduler {
	if poolSize <= 0 {
		poolSize = 16
	}
	return &Scheduler{
		Loaders:         loaders,
		Locks:           locks,
		Executor:        exec,
		Recoverer:       rec,
		ReplicaName:     replicaName,
		DispatchPeriod:  dispatch,
		RecoveryPeriod:  recovery,
		StaleLockPeriod: staleLock,
		LockMaxAge:      lockMaxAge,
		FailedThreshold: failedThreshold,
		PoolSize:        int64(poolSize),
		Now:             time.Now,
		sem:             semaphore.NewWeighted(int64(poolSize)),
	}
}

// Run drives the three ticks until ctx is cancelled, then waits for in-flight
// executions to drain.
func (s *Scheduler) Run(ctx context.Context) {
	var loops sync.WaitGroup
	loops.Add(3)
	go func() {
		defer loops.Done()
		s.tickLoop(ctx, s.DispatchPeriod, "dispatch", s.DispatchOnce)
	}()
	go func() {
		defer loops.Done()
		s.tickLoop(ctx, s.RecoveryPeriod, "recovery", s.Recoverer.RecoverOnce)
	}()
	go func() {
		defer loops.Done()
		s.tickLoop(ctx, s.StaleLockPeriod, "stale-lock", s.reclaimOnce)
	}()
	loops.Wait()
	s.wg.Wait()
	slog.Info("scheduler drained")
}

func (s *Scheduler) tickLoop(ctx context.Context, period time.Duration, name string, fn func(context.Context)) {
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("tick loop stopping", slog.String("tick", name))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) reclaimOnce(ctx context.Context) {
	n, err := s.Locks.ReclaimStale(ctx, s.LockMaxAge)
	if err != nil {
		slog.Error("stale lock reclaim failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Warn("reclaimed stale execution locks", slog.Int64("count", n))
	}
}

// candidate pairs a loader with its computed dispatch priority.
type candidate struct {
	loader  domain.Loader
	overdue bool
}

// DispatchOnce runs one dispatch tick: select, order, lease, hand off.
func (s *Scheduler) DispatchOnce(ctx context.Context) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "scheduler.DispatchOnce")
	defer span.End()
	start := s.Now()
	defer func() {
		observability.DispatchTickDuration.Observe(time.Since(start).Seconds())
	}()

	loaders, err := s.fetchEnabled(ctx)
	if err != nil {
		slog.Error("loader fetch failed; retrying next tick",
			slog.String("kind", string(domain.KindSchedulerTransient)), slog.Any("error", err))
		return
	}

	now := s.Now().UTC()
	cands := s.selectCandidates(loaders, now)

	// Tick budget bounds how long a dispatch may wait on a worker slot for
	// an overdue loader.
	budget := s.DispatchPeriod
	if budget <= 0 {
		budget = 10 * time.Second
	}
	tickCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for _, c := range cands {
		if c.overdue {
			// Must-run-now: wait for a slot within the tick budget.
			if err := s.sem.Acquire(tickCtx, 1); err != nil {
				slog.Warn("no worker slot for overdue loader within tick budget",
					slog.String("loader", c.loader.LoaderCode))
				return
			}
		} else if !s.sem.TryAcquire(1) {
			// Pool exhausted; remaining candidates are lower priority.
			return
		}
		s.dispatch(ctx, c.loader)
	}
}

// fetchEnabled retries transient central-store failures within the tick.
func (s *Scheduler) fetchEnabled(ctx context.Context) ([]domain.Loader, error) {
	var loaders []domain.Loader
	op := func() error {
		var err error
		loaders, err = s.Loaders.ListEnabled(ctx)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return loaders, nil
}

// selectCandidates applies the eligibility predicate and priority ordering.
func (s *Scheduler) selectCandidates(loaders []domain.Loader, now time.Time) []candidate {
	var cands []candidate
	for _, l := range loaders {
		if l.ApprovalStatus != domain.ApprovalApproved {
			continue
		}
		switch l.LoadStatus {
		case domain.LoadIdle:
		case domain.LoadFailed:
			// Leave fresh failures to the recovery tick.
			if l.FailedSince == nil || now.Sub(*l.FailedSince) < s.FailedThreshold {
				continue
			}
		default:
			continue
		}
		if l.LastLoadTimestamp != nil &&
			now.Sub(*l.LastLoadTimestamp) < time.Duration(l.MinIntervalSeconds)*time.Second {
			continue
		}
		overdue := l.LastLoadTimestamp != nil &&
			now.Sub(*l.LastLoadTimestamp) >= time.Duration(l.MaxIntervalSeconds)*time.Second
		cands = append(cands, candidate{loader: l, overdue: overdue})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.overdue != b.overdue {
			return a.overdue
		}
		ap, bp := statusPriority(a.loader.LoadStatus), statusPriority(b.loader.LoadStatus)
		if ap != bp {
			return ap < bp
		}
		at, bt := a.loader.LastLoadTimestamp, b.loader.LastLoadTimestamp
		switch {
		case at == nil && bt == nil:
			return false
		case at == nil:
			return true
		case bt == nil:
			return false
		default:
			return at.Before(*bt)
		}
	})
	return cands
}

func statusPriority(s domain.LoadStatus) int {
	if s == domain.LoadFailed {
		return 1
	}
	return 0
}

// dispatch takes the per-loader lease and hands the execution to a worker.
// The caller has already reserved a pool slot; dispatch releases it on every
// path that does not start a worker.
func (s *Scheduler) dispatch(ctx context.Context, l domain.Loader) {
	lockID, acquired, err := s.Locks.TryAcquire(ctx, l.LoaderCode, l.MaxParallelExecutions, s.ReplicaName)
	if err != nil {
		s.sem.Release(1)
		slog.Error("lock acquire failed", slog.String("loader", l.LoaderCode), slog.Any("error", err))
		return
	}
	if !acquired {
		// Another replica holds the lease; expected, not an error.
		s.sem.Release(1)
		slog.Debug("loader locked elsewhere", slog.String("loader", l.LoaderCode))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		defer func() {
			// Release must survive executor panics and cancelled contexts.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := s.Locks.Release(rctx, lockID); err != nil {
				slog.Error("lock release failed",
					slog.String("loader", l.LoaderCode), slog.Int64("lock_id", lockID), slog.Any("error", err))
			}
		}()
		start := s.Now()
		s.Executor.Execute(ctx, l)
		observability.ExecutionDuration.WithLabelValues(l.LoaderCode).Observe(time.Since(start).Seconds())
	}()
}
