// Claimdesk - Operator console for insurance-claim fraud intelligence.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/opensource-finance/claimdesk/internal/api"
	"github.com/opensource-finance/claimdesk/internal/bus"
	"github.com/opensource-finance/claimdesk/internal/cache"
	"github.com/opensource-finance/claimdesk/internal/config"
	"github.com/opensource-finance/claimdesk/internal/console"
	"github.com/opensource-finance/claimdesk/internal/domain"
	"github.com/opensource-finance/claimdesk/internal/gateway"
	"github.com/opensource-finance/claimdesk/internal/policy"
	"github.com/opensource-finance/claimdesk/internal/repository"
	"github.com/opensource-finance/claimdesk/internal/submission"
	"github.com/opensource-finance/claimdesk/internal/telemetry"
	"github.com/opensource-finance/claimdesk/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration: tier defaults, then YAML, then environment
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting claimdesk",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"gateway", cfg.Gateway.BaseURL,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

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

	// Metrics and the scoring service client
	metrics := telemetry.New()
	gw := gateway.New(cfg.Gateway, metrics)
	slog.Info("gateway client initialized",
		"base_url", cfg.Gateway.BaseURL,
		"breaker", cfg.Gateway.Breaker.Enabled,
	)

	// Policies
	guard, err := policy.NewBandGuard(cfg.Console.BandGuard)
	if err != nil {
		slog.Error("failed to compile band guard", "error", err)
		os.Exit(1)
	}
	filters, err := policy.NewFilterCompiler()
	if err != nil {
		slog.Error("failed to initialize claim filters", "error", err)
		os.Exit(1)
	}

	// Operator sessions
	sessions := console.NewManager(console.Deps{
		Gateway:   gw,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Metrics:   metrics,
		BandGuard: guard,
		Filters:   filters,
		Timings: submission.Timings{
			RejectDisplayWindow: cfg.Console.RejectDisplayWindow,
			RedirectDelay:       cfg.Console.RedirectDelay,
		},
		PayloadTTL: cfg.Cache.PayloadTTL,
	}, cfg.Console.SessionIdleTimeout)
	go sessions.Run(ctx)

	// Audit and payload persistence
	auditWorker := worker.NewWorker(busImpl, repo)
	if err := auditWorker.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, sessions, repo, cacheImpl, busImpl, metrics, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("claimdesk is ready",
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

	// Sessions publish their closing audit events before the worker stops.
	sessions.Shutdown(shutdownCtx)

	if err := auditWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	slog.Info("claimdesk shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                CLAIMDESK                  |")
	fmt.Println("  |   Claim Fraud Intelligence Console        |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Scoring:  %s\n", cfg.Gateway.BaseURL)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /sessions                  - Open an operator session")
	fmt.Println("    POST   /forms                     - Start a claim intake form")
	fmt.Println("    POST   /forms/{id}/submit         - Submit a claim for scoring")
	fmt.Println("    GET    /intelligence/{claimID}    - Claim intelligence view")
	fmt.Println("    GET    /claims                    - List scored claims")
	fmt.Println("    GET    /rules                     - Detection rules")
	fmt.Println("    PATCH  /rules/{key}               - Stage a rule edit")
	fmt.Println("    GET    /config                    - Risk bands and settings")
	fmt.Println("    PATCH  /config/{key}              - Stage a setting edit")
	fmt.Println("    GET    /audit                     - Operator audit history")
	fmt.Println("    GET    /health                    - Health check")
	fmt.Println("    GET    /metrics                   - Prometheus metrics")
	fmt.Println()
}
