/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fleet engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load YAML configuration (CONFIG_PATH), then apply flags
  2. Build the zap logger
  3. Open the SQLite store (and the Redis retry queue if configured)
  4. Start the retry worker and the sync scheduler
  5. Configure HTTP router and start the server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides server.port)
  -db      SQLite database path (overrides database.path)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the retry worker and the sync scheduler
  4. Close stores

EXAMPLES:
  ./server -db="./data/fleet.db"
  CONFIG_PATH=/etc/fleet/config.yaml ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration sections
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/fleet-engine/api"
	"github.com/warp/fleet-engine/app"
	"github.com/warp/fleet-engine/config"
	"github.com/warp/fleet-engine/logging"
	"go.uber.org/zap"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	a, err := app.Open(cfg, logger)
	if err != nil {
		logger.Fatal("failed to open stores", zap.Error(err))
	}
	defer a.Close()

	worker := a.RetryWorker(cfg)
	if worker != nil {
		worker.Start()
	}

	scheduler := api.NewSyncScheduler(a.Service, logger.Named("sync"))
	scheduler.Enabled = cfg.Sync.Enabled
	scheduler.CheckInterval = cfg.Sync.Interval
	scheduler.Start()

	handler := api.NewHandler(a.Service, logger.Named("api"))
	handler.Scheduler = scheduler
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimitPerSec,
		Burst:          cfg.Server.RateLimitBurst,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("api", fmt.Sprintf("http://localhost:%d/api", cfg.Server.Port)))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if worker != nil {
		worker.Stop()
	}
	scheduler.Stop()

	logger.Info("server stopped")
}
