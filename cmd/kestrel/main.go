// Kestrel - AML transaction risk scoring pipeline.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/kestrel/internal/aggregate"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/batch"
	"github.com/opensource-finance/kestrel/internal/behavior"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/narrative"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/rulestore"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Expression engine for interpreted rules
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize expression engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Stores in front of the repository
	ruleStore := rulestore.NewStore(repo, cacheImpl, cfg.Cache.LocalTTL)
	historyStore := history.NewStore(repo, cacheImpl)

	// Text-completion collaborator. Without an endpoint the narrative
	// stage runs on the template fallback and rule interpretation keeps
	// stored rules as-is.
	var completion domain.CompletionClient
	if cfg.Narrative.Endpoint != "" {
		completion = narrative.NewHTTPClient(cfg.Narrative)
		slog.Info("completion client initialized", "endpoint", cfg.Narrative.Endpoint)
	} else {
		slog.Warn("no completion endpoint configured, narratives use template fallback")
	}

	// Pipeline stages
	interpreter := rules.NewInterpreter(completion, engine, cfg.Narrative)
	evaluator := rules.NewEvaluator(cfg.Scoring, engine)
	detector := behavior.NewDetector(cfg.Scoring, historyStore)
	aggregator := aggregate.NewAggregator(cfg.Scoring)
	narrator := narrative.NewService(completion, cfg.Narrative)
	auditLog := audit.NewLogger(repo)

	pipe := pipeline.New(ruleStore, interpreter, evaluator, detector, aggregator, narrator, auditLog, repo, busImpl)
	coordinator := batch.NewCoordinator(cfg.Batch, pipe, repo, busImpl)
	slog.Info("scoring pipeline initialized",
		"max_concurrency", cfg.Batch.MaxConcurrency,
		"progress_interval", cfg.Batch.ProgressInterval,
	)

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, pipe, coordinator, ruleStore, historyStore, engine, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides maps a few common deployment knobs onto the config.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_NARRATIVE_ENDPOINT"); v != "" {
		cfg.Narrative.Endpoint = v
	}
	if v := os.Getenv("KESTREL_NARRATIVE_MODEL"); v != "" {
		cfg.Narrative.Model = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║     AML Transaction Risk Scoring          ║")
	fmt.Println("  ║      Every transaction, explained.        ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess                  - Score a transaction")
	fmt.Println("    GET  /assessments/{txID}      - Get assessment by transaction ID")
	fmt.Println("    GET  /assessments/{txID}/audit - Stage-by-stage audit trail")
	fmt.Println("    POST /batches                 - Score a batch of transactions")
	fmt.Println("    GET  /batches/{id}            - Batch progress")
	fmt.Println("    POST /batches/{id}/cancel     - Cancel an in-flight batch")
	fmt.Println("    GET  /rules                   - List active rules")
	fmt.Println("    POST /rules                   - Create a rule")
	fmt.Println("    POST /rules/reload            - Invalidate cached rules")
	fmt.Println("    GET  /health                  - Health check")
	fmt.Println()
}
