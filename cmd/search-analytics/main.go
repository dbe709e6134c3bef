package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/talya/search-analytics/internal/config"
	"github.com/talya/search-analytics/internal/currency"
	"github.com/talya/search-analytics/internal/database"
	"github.com/talya/search-analytics/internal/httpserver"
	"github.com/talya/search-analytics/internal/metrics"
	"github.com/talya/search-analytics/internal/middleware"
	"github.com/talya/search-analytics/internal/storage"
)

const (
	dbStatsInterval   = 15 * time.Second
	ipLimiterLifetime = time.Hour
	connectTimeout    = 10 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting search analytics",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("store", cfg.Store.Backend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("search_analytics", reg)

	checks := make(map[string]httpserver.HealthChecker)

	store, pg, closeStore := openStore(ctx, cfg, logger, checks)
	defer closeStore()
	if pg != nil {
		go reportPoolStats(ctx, pg, m)
	}

	// Redis only shares the daily rate table between replicas
	providerOpts := []currency.Option{currency.WithMetrics(m)}
	if cfg.Redis.Enabled {
		rdb, err := connect(ctx, func(ctx context.Context) (*database.RedisDB, error) {
			return database.NewRedisDB(ctx, cfg.Redis, logger)
		})
		if err != nil {
			logger.Warn("Redis not available, rate snapshots disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			checks["redis"] = rdb
			providerOpts = append(providerOpts,
				currency.WithSnapshotStore(storage.NewRedisRateSnapshotStore(rdb.Client), cfg.Currency.SnapshotTTL))
		}
	}

	rates := currency.NewProvider(
		currency.NewHTTPRateFetcher(cfg.Currency.APIURL, cfg.Currency.Timeout),
		logger,
		providerOpts...,
	)

	rl := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger, m)
	go cleanupIPLimiters(ctx, rl)

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Store:     store,
		Rates:     rates,
		Config:    cfg,
		Logger:    logger,
		Metrics:   m,
		Checks:    checks,
		RateLimit: rl,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

func connect[T any](ctx context.Context, open func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return open(ctx)
}

// openStore connects the configured backend. An unreachable database
// degrades to the in-memory store so the dashboard stays up.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger, checks map[string]httpserver.HealthChecker) (storage.EventStore, *database.PostgresDB, func()) {
	noop := func() {}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		db, err := connect(ctx, func(ctx context.Context) (*database.PostgresDB, error) {
			return database.NewPostgresDB(ctx, cfg.Database, logger)
		})
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
			return storage.NewInMemoryEventStore(), nil, noop
		}
		store := storage.NewPostgresEventStore(db.Pool)
		if cfg.Store.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				logger.Error("failed to create PostgreSQL schema", zap.Error(err))
			}
		}
		checks["postgres"] = db
		return store, db, db.Close

	case config.BackendClickHouse:
		db, err := connect(ctx, func(ctx context.Context) (*database.ClickHouseDB, error) {
			return database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		})
		if err != nil {
			logger.Warn("ClickHouse not available, using in-memory storage", zap.Error(err))
			return storage.NewInMemoryEventStore(), nil, noop
		}
		store := storage.NewClickHouseEventStore(db.Conn)
		if cfg.Store.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				logger.Error("failed to create ClickHouse schema", zap.Error(err))
			}
		}
		checks["clickhouse"] = db
		return store, nil, func() { _ = db.Close() }

	default:
		logger.Info("using in-memory storage")
		return storage.NewInMemoryEventStore(), nil, noop
	}
}

func reportPoolStats(ctx context.Context, db *database.PostgresDB, m *metrics.Metrics) {
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateDBStats(db.PoolCounts())
		}
	}
}

func cleanupIPLimiters(ctx context.Context, rl *middleware.RateLimitMiddleware) {
	ticker := time.NewTicker(ipLimiterLifetime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.CleanupIPLimiters()
		}
	}
}
