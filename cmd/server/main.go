/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the escrow engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger
  3. Initialize SQLite store
  4. Select the value transfer adapter (memory book or payment gateway)
  5. Build the settlement service, install commission config and assets
  6. Start the cron scheduler
  7. Configure HTTP router and serve

COMMAND-LINE FLAGS:
  -config  YAML config file (default: escrow.yaml, missing is fine)
  -port    HTTP server port, overrides the config
  -db      SQLite database path, overrides the config
           Use ":memory:" for in-memory database
  -demo    Run on a manual clock and enable /api/scenarios
           (memory transfer adapter only)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Wait for running scheduler jobs
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/escrow.db"

  # Demo mode, in-memory everything
  ./server -db=":memory:" -demo

ENVIRONMENT:
  See config/config.go for the ESCROW_* overrides. A .env file in the
  working directory seeds unset variables.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration layers
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/sirupsen/logrus"

	"github.com/warp/escrow-engine/api"
	"github.com/warp/escrow-engine/config"
	"github.com/warp/escrow-engine/escrow"
	"github.com/warp/escrow-engine/events"
	"github.com/warp/escrow-engine/settlement"
	"github.com/warp/escrow-engine/store/sqlite"
	"github.com/warp/escrow-engine/transfer"
)

const (
	shutdownTimeout    = 30 * time.Second
	limiterCleanupSpec = "@every 10m"
	limiterIdleTimeout = 30 * time.Minute
)

func main() {
	// Flags
	configPath := flag.String("config", "escrow.yaml", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	demo := flag.Bool("demo", false, "manual clock and demo scenarios")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to build logger")
	}

	if err := run(cfg, *demo, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

func run(cfg config.Config, demo bool, logger *logrus.Logger) error {
	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	transfers, book, err := newTransferAdapter(cfg.Transfer, logger)
	if err != nil {
		return err
	}

	var clock escrow.Clock = escrow.SystemClock{}
	if demo {
		if book == nil {
			return errors.New("-demo needs the memory transfer adapter")
		}
		clock = escrow.NewManualClock(time.Now().UTC())
		logger.Warn("Demo mode: manual clock, scenarios reset the store")
	}

	svc := settlement.New(store, transfers,
		settlement.WithClock(clock),
		settlement.WithLogger(logger),
		settlement.WithPublisher(events.NewLogPublisher(logger)),
		settlement.WithReclaimPeriod(cfg.ReclaimPeriod),
		settlement.WithAdmins(cfg.AdminIDs()...),
	)
	if err := svc.Bootstrap(context.Background(), cfg.CommissionSettings(), cfg.AssetIDs()); err != nil {
		return fmt.Errorf("install commission config: %w", err)
	}

	handler := api.NewHandler(svc, logger)
	if demo {
		handler.EnableScenarios(api.ScenarioEnv{
			Store:      store,
			Book:       book,
			Clock:      clock,
			Commission: cfg.CommissionSettings(),
			Assets:     cfg.AssetIDs(),
		})
	}

	scheduler, err := api.NewScheduler(svc, cfg.Scheduler, logger)
	if err != nil {
		return err
	}
	var limiter *api.RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst, logger)
		err := scheduler.AddJob("limiter_cleanup", limiterCleanupSpec, func(context.Context) error {
			limiter.Cleanup(limiterIdleTimeout)
			return nil
		})
		if err != nil {
			return err
		}
	}
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Limiter:        limiter,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"db":       cfg.Database.Path,
			"transfer": cfg.Transfer.Kind,
			"admins":   len(cfg.AdminIDs()),
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		logger.Warn("Scheduler jobs still running at shutdown")
	}

	logger.Info("Server stopped")
	return nil
}

// newTransferAdapter returns the configured adapter, plus the memory book
// when that is the adapter in use.
func newTransferAdapter(cfg config.TransferConfig, logger logrus.FieldLogger) (transfer.Adapter, *transfer.Memory, error) {
	switch cfg.Kind {
	case "http":
		gateway, err := transfer.NewHTTPGateway(
			transfer.WithBaseURL(cfg.BaseURL),
			transfer.WithAPIKey(cfg.APIKey),
			transfer.WithRetry(cfg.MaxTries, cfg.RetryInterval),
			transfer.WithLogger(logger),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize payment gateway: %w", err)
		}
		return gateway, nil, nil
	default:
		logger.Warn("Using the in-memory transfer book; balances are lost on restart")
		book := transfer.NewMemory(transfer.WithOverdraft())
		return book, book, nil
	}
}
