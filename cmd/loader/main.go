// Command loader starts one replica of the signal loader engine: the
// scheduler ticks plus the admin HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/signal-loader/internal/adapter/httpserver"
	"github.com/fairyhunter13/signal-loader/internal/adapter/observability"
	"github.com/fairyhunter13/signal-loader/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/signal-loader/internal/adapter/sourcedb"
	"github.com/fairyhunter13/signal-loader/internal/app"
	"github.com/fairyhunter13/signal-loader/internal/config"
	"github.com/fairyhunter13/signal-loader/internal/replica"
	"github.com/fairyhunter13/signal-loader/internal/service/crypto"
	"github.com/fairyhunter13/signal-loader/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	replicaName := replica.Name(cfg.ReplicaNameEnv)
	slog.Info("replica identity", slog.String("replica", replicaName))

	key, err := cfg.DecodeEncryptionKey()
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("error", err))
		os.Exit(1)
	}
	cipher, err := crypto.New(key)
	if err != nil {
		slog.Error("cipher init failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	loaderRepo := postgres.NewLoaderRepo(pool)
	historyRepo := postgres.NewHistoryRepo(pool)
	lockRepo := postgres.NewLockRepo(pool)
	signalRepo := postgres.NewSignalRepo(pool)
	segmentRepo := postgres.NewSegmentRepo(pool)
	sourceRepo := postgres.NewSourceRepo(pool)

	// Source pools
	sourceMgr := sourcedb.NewManager(sourceRepo, cipher, cfg.QueryTimeout, cfg.SourceMaxConns, cfg.SourceDialTimeout)
	defer sourceMgr.Close()

	if cfg.SeedFile != "" {
		if err := seedFromFile(ctx, cfg.SeedFile, cipher, sourceRepo, loaderRepo); err != nil {
			slog.Error("seed failed", slog.String("file", cfg.SeedFile), slog.Any("error", err))
			os.Exit(1)
		}
	}

	// Core services
	executor := &usecase.Executor{
		Loaders:       loaderRepo,
		History:       historyRepo,
		Sources:       sourceRepo,
		Runner:        sourceMgr,
		Signals:       signalRepo,
		Windows:       usecase.NewWindowCalculator(cfg.DefaultLookback),
		Transform:     usecase.NewTransformer(segmentRepo),
		Cipher:        cipher,
		ReplicaName:   replicaName,
		HungThreshold: cfg.HungThreshold,
	}
	recoverer := app.NewRecoverer(loaderRepo, historyRepo, lockRepo, cfg.FailedThreshold, cfg.HungThreshold)
	scheduler := app.NewScheduler(loaderRepo, lockRepo, executor, recoverer, replicaName,
		cfg.DispatchPeriod, cfg.RecoveryPeriod, cfg.StaleLockPeriod,
		cfg.LockMaxAge, cfg.FailedThreshold, cfg.WorkerPoolSize)

	// Admin HTTP surface
	admin := usecase.NewAdminService(loaderRepo, historyRepo, sourceRepo, cipher)
	srv := httpserver.NewServer(admin, pool, cipher, replicaName)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		// otelhttp extracts the incoming trace context before the router's
		// own span middleware runs.
		Handler:           otelhttp.NewHandler(handler, "admin-api"),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, stopScheduler := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scheduler.Run(runCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop the ticks and wait for in-flight executions to drain.
	stopScheduler()
	wg.Wait()
}
