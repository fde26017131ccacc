/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Initialize the store (memory, SQLite or MySQL)
  3. Initialize the balance cache (none, memory or Redis)
  4. Create engine, catalog, scheduler and API handler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides DB_PATH)
  -env     .env file to load (default: .env)

ENVIRONMENT:
  See config/config.go for the full list. The common ones:
  DB_DRIVER, DB_PATH, DB_HOST, DB_USER, DB_PASSWORD, DB_NAME,
  CACHE_DRIVER, REDIS_ADDR, SWEEP_INTERVAL, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for a run in progress)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database and cache connections

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/api"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/cache"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/catalog"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/config"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/logging"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/metrics"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/points"
	memstore "github.com/kareemahmed94/tawuniya-drive-dw-sub000/points/store"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/store/gormstore"
	"github.com/kareemahmed94/tawuniya-drive-dw-sub000/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides SERVER_PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	envFile := flag.String("env", ".env", ".env file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// closer releases a backing resource on shutdown.
type closer func() error

func run(cfg *config.Config, logger zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	store, checks, closeStore, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	balanceCache, cacheCheck, closeCache, err := openCache(cfg, m, logger)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeCache()
	if cacheCheck != nil {
		checks["cache"] = cacheCheck
	}

	clock := points.SystemClock{}
	engine := points.NewEngine(points.EngineConfig{
		Rules:             store,
		Wallets:           store,
		Clock:             clock,
		Cache:             balanceCache,
		Metrics:           m,
		Logger:            logger,
		RecordMaxAttempts: cfg.Ledger.RecordMaxAttempts,
		SweepConcurrency:  cfg.Sweep.Concurrency,
	})
	cat := catalog.New(store, clock, logger)

	scheduler := api.NewExpiryScheduler(engine, logger)
	scheduler.Interval = cfg.Sweep.Interval
	scheduler.Enabled = cfg.Sweep.Enabled

	handler := api.NewHandler(engine, cat, scheduler, logger)
	for name, p := range checks {
		handler.Checks[name] = p
	}

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
		Recorder:    m,
		Gatherer:    registry,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Int("port", cfg.Server.Port).
			Str("db", cfg.DB.Driver).
			Str("cache", cfg.Cache.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

func openStore(cfg *config.Config) (points.Store, map[string]api.Pinger, closer, error) {
	checks := map[string]api.Pinger{}
	switch cfg.DB.Driver {
	case "memory":
		return memstore.NewMemory(memstore.WithLockTimeout(cfg.Ledger.LockTimeout)), checks, func() error { return nil }, nil
	case "mysql":
		s, err := gormstore.OpenMySQL(gormstore.MySQLConfig{
			Host:        cfg.DB.Host,
			Port:        cfg.DB.Port,
			User:        cfg.DB.User,
			Password:    cfg.DB.Password,
			Database:    cfg.DB.Name,
			LockTimeout: cfg.Ledger.LockTimeout,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		checks["db"] = s
		return s, checks, s.Close, nil
	default:
		s, err := sqlite.New(cfg.DB.Path, sqlite.WithLockTimeout(cfg.Ledger.LockTimeout))
		if err != nil {
			return nil, nil, nil, err
		}
		checks["db"] = s
		return s, checks, s.Close, nil
	}
}

func openCache(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (points.BalanceCache, api.Pinger, closer, error) {
	noop := func() error { return nil }
	switch cfg.Cache.Driver {
	case "memory":
		return cache.NewMemory(cfg.Cache.TTL, m), nil, noop, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		c := cache.NewRedis(client, cfg.Cache.TTL, logger, cache.WithObserver(m))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Ping(ctx); err != nil {
			// A cold cache only costs store reads.
			logger.Warn().Err(err).Str("addr", cfg.Cache.RedisAddr).Msg("redis unreachable at startup")
		}
		return c, c, client.Close, nil
	}
	return nil, nil, noop, nil
}
