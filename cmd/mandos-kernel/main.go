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

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/mandos/internal/adapters/duckdb"
	"github.com/manthysbr/mandos/internal/adapters/llm"
	"github.com/manthysbr/mandos/internal/adapters/memory"
	appconfig "github.com/manthysbr/mandos/internal/config"
	"github.com/manthysbr/mandos/internal/core/ports"
	"github.com/manthysbr/mandos/internal/core/services"
	"github.com/manthysbr/mandos/pkg/kernel"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting mandos kernel")

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

	cfg, err := appconfig.Load(os.Getenv("MANDOS_CONFIG"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Storage: DuckDB when a path is configured, in-memory otherwise.
	var jobStore ports.JobStore
	var messageStore ports.MessageStore
	if cfg.DBPath != "" {
		repo, err := duckdb.NewRepository(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to init repository: %w", err)
		}
		defer repo.Close()
		jobStore, messageStore = repo, repo
	} else {
		repo := memory.NewRepository()
		jobStore, messageStore = repo, repo
	}

	reasoner, err := llm.Build(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build reasoner: %w", err)
	}

	// Core services
	eventBus := services.NewEventBus(logger)
	jobService := services.NewJobService(logger, jobStore, messageStore)
	registry := services.NewExpertRegistry(logger, jobService, eventBus, cfg.MaxRetryCount)

	workflow := services.NewBasicWorkflow()
	for _, e := range cfg.Experts {
		registry.Create(services.ExpertConfig{
			Profile: services.ExpertProfile{
				Name:        e.Name,
				Description: e.Description,
			},
			Workflow: workflow,
			Reasoner: reasoner,
		})
	}
	if len(cfg.Experts) == 0 {
		registry.Create(services.ExpertConfig{
			Profile: services.ExpertProfile{
				Name:        "Generalist",
				Description: "Handles any task with direct reasoning.",
			},
			Workflow: workflow,
			Reasoner: reasoner,
		})
	}
	logger.Info("experts registered", "count", len(registry.List()))

	leader := services.NewLeader(logger, registry, jobService, workflow, reasoner, cfg.LifeCycle)
	executor := services.NewGraphExecutor(logger, jobService, registry, leader, eventBus, cfg.WorkerPoolSize)
	leader.BindExecutor(executor)

	apiServer := kernel.NewServer(logger, leader, jobService, registry, eventBus)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:5174"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
