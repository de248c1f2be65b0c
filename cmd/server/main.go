package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	h "github.com/veranemoloko/attachment-fetcher/internal/api/http"
	cfgpkg "github.com/veranemoloko/attachment-fetcher/internal/config"
	"github.com/veranemoloko/attachment-fetcher/internal/progress"
	repo "github.com/veranemoloko/attachment-fetcher/internal/repository"
	"github.com/veranemoloko/attachment-fetcher/internal/retry"
	"github.com/veranemoloko/attachment-fetcher/internal/scheduler"
	"github.com/veranemoloko/attachment-fetcher/internal/session"
	"github.com/veranemoloko/attachment-fetcher/internal/source"
	"github.com/veranemoloko/attachment-fetcher/internal/source/httpsource"
	"github.com/veranemoloko/attachment-fetcher/internal/source/objectstore"
	"github.com/veranemoloko/attachment-fetcher/internal/storage"
	svc "github.com/veranemoloko/attachment-fetcher/internal/service"
	"github.com/veranemoloko/attachment-fetcher/internal/validation"
	"github.com/veranemoloko/attachment-fetcher/internal/worker"
)

func main() {
	cfg, err := cfgpkg.Load()
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			slog.Error("configuration file not found", "error", err)
		} else {
			slog.Error("failed to load configuration", "error", err)
		}
		os.Exit(1)
	}

	logger := cfgpkg.SetupLogger(cfg)
	logger.Info("configuration loaded successfully", "source", cfg.Source)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *cfgpkg.Config, logger *slog.Logger) error {
	ledger, err := repo.OpenLedger(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	taskStorage, err := repo.NewTaskStorage(cfg.StateFile, logger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Error("state file does not exist", "error", err)
		}
		return fmt.Errorf("initialize task state: %w", err)
	}

	src, err := newSource(cfg, logger)
	if err != nil {
		return err
	}

	files := storage.NewFileStorage(cfg.DownloadDir)
	resolver := storage.GroupedResolver{Root: cfg.DownloadDir}
	publisher := progress.NewPublisher(cfg.HistorySize, logger)
	defer publisher.Close()

	executor := worker.NewExecutor(src, files, publisher, worker.Options{
		ChunkSize:        cfg.ChunkSize,
		ProgressInterval: cfg.ProgressInterval,
		PauseGrace:       cfg.PauseGrace,
	}, logger)

	sched := scheduler.New(executor, files, publisher, scheduler.Options{
		Concurrency: cfg.Concurrency,
		Retry:       retry.New(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		Ledger:      ledger,
		State:       taskStorage,
	}, logger)

	stopMode, err := session.ParseStopMode(cfg.StopMode)
	if err != nil {
		return err
	}
	driver := session.NewDriver(src, sched, ledger, ledger, resolver, publisher, session.Config{
		MaxRetries:        cfg.MaxRetries,
		ChecksumAlgorithm: cfg.ChecksumAlgo,
		SpeedLimit:        cfg.SpeedLimit,
		StopMode:          stopMode,
	}, logger)

	var checkRef func(string) error
	if !cfg.AllowPrivateRefs {
		checkRef = validation.ValidateRefURL
	}
	taskService := svc.NewTaskService(sched, files, resolver, publisher, svc.TaskDefaults{
		MaxRetries:        cfg.MaxRetries,
		ChecksumAlgorithm: cfg.ChecksumAlgo,
		SpeedLimit:        cfg.SpeedLimit,
	}, checkRef, logger)
	sessionService := svc.NewSessionService(driver, ledger, cfg.Containers, logger)
	ledgerService := svc.NewLedgerService(ledger, logger)

	router := h.NewRouter(h.Services{
		Tasks:       taskService,
		Sessions:    sessionService,
		Ledger:      ledgerService,
		Events:      publisher,
		EventBuffer: cfg.EventBuffer,
	}, logger)
	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: cfg.HTTPTimeout,
		IdleTimeout: cfg.HTTPTimeout,
		// WriteTimeout stays unset so /events can stream.
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		restored, err := taskService.Restore(gctx, taskStorage)
		if err != nil {
			logger.Error("failed to restore tasks", "restored", restored, "error", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := sessionService.Shutdown(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
			return err
		}
		logger.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}

func newSource(cfg *cfgpkg.Config, logger *slog.Logger) (source.Source, error) {
	switch cfg.Source {
	case cfgpkg.SourceObjectStore:
		src, err := objectstore.New(objectstore.Options{
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			Bucket:    cfg.ObjectStoreBucket,
			Prefix:    cfg.ObjectStorePrefix,
			UseSSL:    cfg.ObjectStoreUseSSL,
			Region:    cfg.ObjectStoreRegion,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create object store source: %w", err)
		}
		return src, nil
	default:
		src, err := httpsource.New(cfg.ManifestURL, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("create manifest source: %w", err)
		}
		return src, nil
	}
}
