package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/finchat/finchat/internal/adapters/analysis"
	"github.com/finchat/finchat/internal/adapters/duckdb"
	"github.com/finchat/finchat/internal/adapters/llm"
	"github.com/finchat/finchat/internal/adapters/warehouse"
	"github.com/finchat/finchat/internal/config"
	"github.com/finchat/finchat/internal/core/services"
	"github.com/finchat/finchat/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting finchat kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(os.Getenv("FINCHAT_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Persistence
	repo, err := duckdb.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	extractor, err := warehouse.Open(logger, cfg.WarehousePath)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer extractor.Close()

	// Core services
	eventBus := services.NewEventBus(logger)
	artifacts := services.NewArtifactWriter(cfg.OutputDir)
	convStore := services.NewConversationStore(repo.Conversations(), cfg.ConversationCache)

	interpreter := llm.NewInterpreter(logger, cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)
	analyzers := analysis.NewProvider(logger, artifacts)

	runner := services.NewStageRunner(logger, services.RetryPolicy{
		MaxAttempts: cfg.StageMaxAttempts,
		Backoff:     cfg.StageRetryBackoff,
	})
	classifier := services.NewResultClassifier(logger, artifacts, "")

	coordinator := services.NewJobCoordinator(logger, repo, convStore, eventBus, artifacts,
		classifier, runner, interpreter, extractor, analyzers)

	scheduler := services.NewJobScheduler(logger, services.SchedulerConfig{
		MaxConcurrentJobs: int64(cfg.MaxConcurrentJobs),
		QueueDepth:        cfg.QueueDepth,
	})

	pipeline := services.NewPipeline(logger, repo, convStore, scheduler, coordinator)

	reconciler := services.NewReconciler(logger, repo, cfg.JobLease, cfg.ReconcileInterval)

	// HTTP surface
	apiServer := kernel.NewServer(logger, pipeline, eventBus, convStore, convStore, artifacts)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Drain the scheduler into the coordinator
	pipeline.Start(gCtx)

	// 2. Sweep orphaned jobs
	g.Go(func() error {
		return reconciler.Run(gCtx)
	})

	// 3. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 4. Graceful shutdown for API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
