// Command pricefeed runs the failover price aggregation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/internal/aggregator"
	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/cache"
	"github.com/coachpo/pricefeed/internal/coordinator"
	"github.com/coachpo/pricefeed/internal/infra/adapters"
	"github.com/coachpo/pricefeed/internal/infra/config"
	"github.com/coachpo/pricefeed/internal/infra/persistence"
	"github.com/coachpo/pricefeed/internal/infra/persistence/migrations"
	"github.com/coachpo/pricefeed/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/pricefeed/internal/infra/server/http"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
	"github.com/coachpo/pricefeed/lib/async"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	hubShutdownTimeout       = 2 * time.Second
	warmupShutdownTimeout    = 5 * time.Second
	cacheShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	startupRestoreTimeout    = 10 * time.Second
	startupMigrationTimeout  = time.Minute
	startupDependencyTimeout = 10 * time.Second
)

func main() {
	cfgPathFlag, envFiles := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	bootLogger := observability.NewLogrusLoggerFrom(logrus.StandardLogger())
	if err := config.LoadDotEnv(envFiles...); err != nil {
		fatal(bootLogger, "load dotenv", err)
	}

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fatal(bootLogger, "load config", err)
	}

	logger, err := observability.NewLogrusLogger(observability.LogConfig{
		Level:      appCfg.Logging.Level,
		Format:     appCfg.Logging.Format,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxAgeDays: appCfg.Logging.MaxAgeDays,
		Component:  "pricefeed",
	})
	if err != nil {
		fatal(bootLogger, "initialise logger", err)
	}
	observability.SetLogger(logger)
	logger.Info("configuration initialised",
		observability.F("env", appCfg.Environment),
		observability.F("symbols", appCfg.Symbols),
		observability.F("sources", len(appCfg.EnabledSources())))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}

	tiered, remote, err := buildCache(ctx, logger, appCfg)
	if err != nil {
		fatal(logger, "initialise cache", err)
	}

	var lifecycle conc.WaitGroup

	dbPool, err := initPersistence(ctx, logger, appCfg, tiered, &lifecycle)
	if err != nil {
		fatal(logger, "initialise persistence", err)
	}

	members, err := buildMembers(ctx, logger, appCfg)
	if err != nil {
		fatal(logger, "initialise sources", err)
	}

	hub := broadcast.NewHub(broadcast.Config{
		BufferSize: appCfg.Broadcast.BufferSize,
		Workers:    appCfg.Broadcast.Workers,
		Logger:     logger,
	})

	coord, err := coordinator.New(appCfg.CoordinatorSettings(), members, tiered,
		coordinator.WithLogger(logger),
		coordinator.WithPublisher(hub),
		coordinator.WithSymbols(appCfg.Symbols))
	if err != nil {
		fatal(logger, "initialise coordinator", err)
	}
	lifecycle.Go(func() {
		if err := coord.Run(ctx); err != nil {
			logger.Error("coordinator stopped", observability.F("error", err))
		}
	})

	warmups, err := async.NewPool(appCfg.Warmup.Workers, appCfg.Warmup.Queue, async.WithLogger(logger))
	if err != nil {
		fatal(logger, "initialise warm-up pool", err)
	}

	service, err := aggregator.New(aggregator.Config{
		Reader:         tiered,
		Supervisor:     coord,
		Hub:            hub,
		Hydrator:       tiered,
		Executor:       warmups,
		Logger:         logger,
		WarmupCooldown: appCfg.Warmup.Cooldown,
		WarmupTimeout:  appCfg.Warmup.Timeout,
	})
	if err != nil {
		fatal(logger, "initialise aggregator", err)
	}

	apiServer := buildAPIServer(appCfg.APIServer, service, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("price API listening", observability.F("addr", apiServer.Addr))

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:        apiServer,
		serverTimeout: appCfg.APIServer.ShutdownTimeout,
		mainCancel:    cancel,
		lifecycle:     &lifecycle,
		hub:           hub,
		warmups:       warmups,
		cache:         tiered,
		remote:        remote,
		dbPool:        dbPool,
		telemetry:     telemetryProvider,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() (string, []string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.Parse()
	return *cfgPath, []string{*envFile}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger observability.Logger, step string, err error) {
	logger.Error(step, observability.F("error", err))
	os.Exit(1)
}

func initTelemetry(ctx context.Context, logger observability.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

// buildCache assembles the tiered cache. The Redis store is nil when no address is configured.
func buildCache(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) (*cache.Tiered, *cache.RedisStore, error) {
	memory := cache.NewMemoryStore(
		cache.WithPriorities(appCfg.Priorities()),
		cache.WithLogger(logger))

	redisCfg := appCfg.Cache.Redis
	if !redisCfg.Enabled() {
		return cache.NewTiered(memory, nil, cache.TieredConfig{Logger: logger}), nil, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, startupDependencyTimeout)
	defer cancel()
	remote, err := cache.NewRedisStore(dialCtx, cache.RedisConfig{
		Addr:      redisCfg.Addr,
		Password:  redisCfg.Password,
		DB:        redisCfg.DB,
		KeyPrefix: redisCfg.KeyPrefix,
		Retention: redisCfg.Retention,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("redis cache layer enabled", observability.F("addr", redisCfg.Addr))
	return cache.NewTiered(memory, remote, cache.TieredConfig{
		QueueSize:    redisCfg.QueueSize,
		WriteTimeout: redisCfg.WriteTimeout,
		Logger:       logger,
	}), remote, nil
}

// initPersistence restores last-known prices and starts the checkpointer. It returns a nil
// pool when no database is configured.
func initPersistence(ctx context.Context, logger observability.Logger, appCfg config.AppConfig, tiered *cache.Tiered, lifecycle *conc.WaitGroup) (*pgxpool.Pool, error) {
	dbCfg := appCfg.Database
	if !dbCfg.Enabled() {
		logger.Info("database not configured; last-known prices are not persisted")
		return nil, nil
	}
	if dbCfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, startupMigrationTimeout)
		err := migrations.Apply(migrateCtx, dbCfg.DSN, migrations.Embedded, logger)
		cancel()
		if err != nil {
			return nil, err
		}
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:               dbCfg.DSN,
		MaxConns:          dbCfg.MaxConns,
		MinConns:          dbCfg.MinConns,
		MaxConnLifetime:   dbCfg.MaxConnLifetime,
		MaxConnIdleTime:   dbCfg.MaxConnIdleTime,
		HealthCheckPeriod: dbCfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	store := postgres.NewPriceStore(pool)

	restoreCtx, cancel := context.WithTimeout(ctx, startupRestoreTimeout)
	restored, err := persistence.Restore(restoreCtx, store, tiered)
	cancel()
	if err != nil {
		logger.Warn("restore last-known prices failed", observability.F("error", err))
	} else {
		logger.Info("last-known prices restored", observability.F("records", restored))
	}

	checkpointer := persistence.NewCheckpointer(store, tiered, dbCfg.CheckpointInterval, logger)
	lifecycle.Go(func() {
		if err := checkpointer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("checkpointer stopped", observability.F("error", err))
		}
	})
	return pool, nil
}

func buildMembers(ctx context.Context, logger observability.Logger, appCfg config.AppConfig) ([]coordinator.Member, error) {
	registry := source.NewRegistry()
	adapters.RegisterAll(registry)

	opts := source.Options{Symbols: appCfg.Symbols, Logger: logger}
	enabled := appCfg.EnabledSources()
	members := make([]coordinator.Member, 0, len(enabled))
	for _, src := range enabled {
		adapter, err := registry.Create(ctx, src.Spec(), opts)
		if err != nil {
			return nil, err
		}
		members = append(members, coordinator.Member{
			Adapter:      adapter,
			Priority:     src.Priority,
			PollInterval: src.PollInterval,
		})
		logger.Info("source configured",
			observability.F("source", src.ID),
			observability.F("adapter", src.Adapter),
			observability.F("priority", src.Priority))
	}
	return members, nil
}

func buildAPIServer(cfg config.APIServerConfig, service httpserver.PriceService, logger observability.Logger) *http.Server {
	handler := httpserver.NewHandler(service, httpserver.Options{
		Logger:         logger,
		OriginPatterns: cfg.AllowedOrigins,
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger observability.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server", observability.F("error", err))
		}
	})
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("PRICEFEED_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
