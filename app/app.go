// Package app wires configuration, stores and the fleet service together
// for the server and the CLI.
package app

import (
	"fmt"

	"github.com/warp/fleet-engine/config"
	"github.com/warp/fleet-engine/fleet"
	"github.com/warp/fleet-engine/store/redisq"
	"github.com/warp/fleet-engine/store/sqlite"
	"go.uber.org/zap"
)

// App owns the opened stores and the service built on them.
type App struct {
	Service *fleet.Service
	Store   *sqlite.Store
	Queue   *redisq.Queue // nil unless retry.backend is redis
	Logger  *zap.Logger
}

// Open opens the SQLite database at cfg.Database.Path and, when
// configured, the Redis retry queue.
func Open(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	a := &App{Store: store, Logger: logger}
	stores := store.Stores()

	if cfg.Retry.Backend == "redis" {
		q, err := redisq.New(cfg.Retry.RedisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("initialize retry queue: %w", err)
		}
		a.Queue = q
		stores.Retries = q
	}

	a.Service = fleet.NewService(stores, fleet.Options{
		Logger:     logger,
		MaxRetries: cfg.Retry.MaxRetries,
		CacheTTL:   cfg.Cache.TTL,
		Feed:       fleet.NewChangeFeed(0),
	})

	logger.Info("stores opened",
		zap.String("database", cfg.Database.Path),
		zap.String("retry_backend", cfg.Retry.Backend))
	return a, nil
}

// RetryWorker returns a worker configured from cfg.
func (a *App) RetryWorker(cfg *config.Config) *fleet.RetryWorker {
	w := a.Service.NewRetryWorker()
	if w == nil {
		return nil
	}
	w.Interval = cfg.Retry.Interval
	w.Backoff = cfg.Retry.Backoff
	return w
}

// Close releases the stores.
func (a *App) Close() error {
	var firstErr error
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.Store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.Logger.Sync()
	return firstErr
}
