// Kestrel - Claims validation that deploys in 60 seconds.
// Copyright (c) 2025 opensource.rcm
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/opensource-rcm/kestrel/internal/api"
	"github.com/opensource-rcm/kestrel/internal/bus"
	"github.com/opensource-rcm/kestrel/internal/cache"
	"github.com/opensource-rcm/kestrel/internal/domain"
	"github.com/opensource-rcm/kestrel/internal/explain"
	"github.com/opensource-rcm/kestrel/internal/ingest"
	"github.com/opensource-rcm/kestrel/internal/repository"
	"github.com/opensource-rcm/kestrel/internal/rules"
	"github.com/opensource-rcm/kestrel/internal/validate"
	"github.com/opensource-rcm/kestrel/internal/worker"
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

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"explainer", cfg.Explainer.Provider,
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

	// Initialize Rule Loader
	loader, err := rules.NewLoader()
	if err != nil {
		slog.Error("failed to initialize rule loader", "error", err)
		os.Exit(1)
	}
	slog.Info("rule loader initialized")

	// Initialize Explainer
	explainer, err := explain.New(cfg.Explainer)
	if err != nil {
		slog.Error("failed to initialize explainer", "error", err)
		os.Exit(1)
	}
	slog.Info("explainer initialized", "provider", cfg.Explainer.Provider)

	// Initialize Validation Orchestrator
	orchestrator := validate.NewOrchestrator(repo, loader, explainer)
	orchestrator.Cache = cacheImpl
	orchestrator.Bus = busImpl
	slog.Info("orchestrator initialized", "max_workers", orchestrator.MaxWorkers)

	// Initialize async Worker. Job runs are always triggered through the
	// bus, so the worker starts on both tiers.
	asyncWorker := worker.NewWorker(busImpl, repo, orchestrator)

	tenantIDs := []string{}
	if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
		for _, t := range strings.Split(envTenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenantIDs = append(tenantIDs, t)
			}
		}
	}

	if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}
	slog.Info("async worker started", "tenant_count", len(tenantIDs))

	// Initialize Ingest Service
	ingester := ingest.NewService(repo)
	slog.Info("ingest service initialized")

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, ingester, orchestrator, Version)

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

	// Stop async worker first
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadConfig builds the runtime configuration. Tier defaults come first,
// then an optional kestrel.yaml, then KESTREL_* environment variables.
func loadConfig() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	v := viper.New()
	v.SetConfigName("kestrel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kestrel")
	if path := os.Getenv("KESTREL_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("KESTREL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		slog.Info("config file loaded", "path", v.ConfigFileUsed())
	}

	applyOverrides(v, cfg)
	return cfg, nil
}

// applyOverrides copies any keys viper knows about onto cfg. Unset keys
// leave the tier defaults alone.
func applyOverrides(v *viper.Viper, cfg *domain.Config) {
	setString(v, "server.host", &cfg.Server.Host)
	setInt(v, "server.port", &cfg.Server.Port)
	setInt(v, "server.read_timeout", &cfg.Server.ReadTimeout)
	setInt(v, "server.write_timeout", &cfg.Server.WriteTimeout)
	if v.IsSet("server.max_upload_bytes") {
		cfg.Server.MaxUploadBytes = v.GetInt64("server.max_upload_bytes")
	}

	setString(v, "repository.driver", &cfg.Repository.Driver)
	setString(v, "repository.sqlite_path", &cfg.Repository.SQLitePath)
	setString(v, "repository.postgres_host", &cfg.Repository.PostgresHost)
	setInt(v, "repository.postgres_port", &cfg.Repository.PostgresPort)
	setString(v, "repository.postgres_user", &cfg.Repository.PostgresUser)
	setString(v, "repository.postgres_password", &cfg.Repository.PostgresPassword)
	setString(v, "repository.postgres_db", &cfg.Repository.PostgresDB)
	setString(v, "repository.postgres_sslmode", &cfg.Repository.PostgresSSLMode)

	setString(v, "cache.type", &cfg.Cache.Type)
	setInt(v, "cache.local_max_size", &cfg.Cache.LocalMaxSize)
	setString(v, "cache.redis_addr", &cfg.Cache.RedisAddr)
	setString(v, "cache.redis_password", &cfg.Cache.RedisPassword)
	setInt(v, "cache.redis_db", &cfg.Cache.RedisDB)
	if v.IsSet("cache.enable_two_phase") {
		cfg.Cache.EnableTwoPhase = v.GetBool("cache.enable_two_phase")
	}

	setString(v, "eventbus.type", &cfg.EventBus.Type)
	setInt(v, "eventbus.channel_buffer_size", &cfg.EventBus.ChannelBufferSize)
	setString(v, "eventbus.nats_url", &cfg.EventBus.NATSUrl)
	setString(v, "eventbus.nats_token", &cfg.EventBus.NATSToken)
	setInt(v, "eventbus.nats_max_reconnects", &cfg.EventBus.NATSMaxReconnects)
	setInt(v, "eventbus.nats_reconnect_wait", &cfg.EventBus.NATSReconnectWait)

	setString(v, "explainer.provider", &cfg.Explainer.Provider)
	setString(v, "explainer.api_key", &cfg.Explainer.APIKey)
	setString(v, "explainer.model", &cfg.Explainer.Model)
	setInt(v, "explainer.timeout", &cfg.Explainer.Timeout)

	setString(v, "logging.level", &cfg.Logging.Level)
	setString(v, "logging.format", &cfg.Logging.Format)

	if v.IsSet("tracing.enabled") {
		cfg.Tracing.Enabled = v.GetBool("tracing.enabled")
	}
	setString(v, "tracing.service_name", &cfg.Tracing.ServiceName)
	setString(v, "tracing.exporter_type", &cfg.Tracing.ExporterType)
	setString(v, "tracing.endpoint", &cfg.Tracing.Endpoint)
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║       Claims Validation Engine            ║")
	fmt.Println("  ║      Every claim, checked twice.          ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /claims/upload                  - Upload a claims spreadsheet")
	fmt.Println("    POST /rules/upload                   - Upload a rule set (technical|medical)")
	fmt.Println("    POST /jobs/{id}/run                  - Trigger validation for a job")
	fmt.Println("    GET  /jobs/{id}                      - Get job status")
	fmt.Println("    GET  /jobs/{id}/verdicts             - List verdicts (filter + paging)")
	fmt.Println("    GET  /jobs/{id}/verdicts/{claimID}   - Get a single verdict")
	fmt.Println("    GET  /jobs/{id}/metrics              - Get aggregate job metrics")
	fmt.Println("    GET  /jobs/{id}/export               - Export verdicts as CSV")
	fmt.Println("    GET  /health                         - Health check")
	fmt.Println()
}
