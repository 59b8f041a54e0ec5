package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/pricefeed/internal/broadcast"
	"github.com/coachpo/pricefeed/internal/cache"
	"github.com/coachpo/pricefeed/internal/infra/telemetry"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/lib/async"
)

type gracefulShutdownConfig struct {
	server        *http.Server
	serverTimeout time.Duration
	mainCancel    context.CancelFunc
	lifecycle     *conc.WaitGroup
	hub           *broadcast.Hub
	warmups       *async.Pool
	cache         *cache.Tiered
	remote        *cache.RedisStore
	dbPool        *pgxpool.Pool
	telemetry     *telemetry.Provider
}

// performGracefulShutdown stops intake first, then the coordinator and background loops,
// then the stores they write to.
func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.F("error", err))
		} else {
			logger.Info("shutdown: " + name + " completed")
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return fmt.Errorf("timeout: %w", stepCtx.Err())
		}
	}

	if cfg.server != nil {
		timeout := cfg.serverTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownStep("stopping api server", timeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.warmups != nil {
		shutdownStep("draining warm-up pool", warmupShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.warmups.Shutdown(stepCtx)
		})
	}

	logger.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for coordinator and background loops", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.hub != nil {
		shutdownStep("closing broadcast hub", hubShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.hub.Close)
		})
	}

	if cfg.cache != nil {
		shutdownStep("flushing cache write-behind", cacheShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.cache.Close)
		})
	}

	if cfg.remote != nil {
		shutdownStep("closing redis client", cacheShutdownTimeout, func(context.Context) error {
			return cfg.remote.Close()
		})
	}

	if cfg.dbPool != nil {
		shutdownStep("closing database pool", cacheShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.dbPool.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
