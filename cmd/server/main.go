/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty points engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, config.yaml, environment)
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build the points engine
  5. Configure HTTP router
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

CONFIGURATION:
  See config/config.go. Environment variables override config.yaml;
  a local .env file is honored when present.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/logger"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zaplog, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zaplog.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		zaplog.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Build the engine
	engine := loyalty.NewEngine(store, loyalty.EngineConfig{
		Expiry:     expiryPolicy(cfg.Engine.Expiry),
		Rules:      accrualRules(cfg.Engine.Rules, zaplog),
		Logger:     zaplog,
		MaxRetries: cfg.Engine.MaxRetries,
	})

	// Create router
	handler := api.NewHandler(engine, zaplog)
	router := api.NewRouter(handler, cfg.Server.AllowedHosts)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		zaplog.Info("server starting", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zaplog.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zaplog.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zaplog.Fatal("server forced to shutdown", zap.Error(err))
	}

	zaplog.Info("server stopped")
}

// accrualRules converts the configured rule table. An empty table means the
// engine's built-in defaults.
func accrualRules(rules []config.RuleConfig, zaplog *zap.Logger) map[loyalty.Reason]loyalty.AccrualRule {
	if len(rules) == 0 {
		return nil
	}
	table := make(map[loyalty.Reason]loyalty.AccrualRule, len(rules))
	for _, r := range rules {
		rule := loyalty.AccrualRule{
			Points:  loyalty.Points(r.Points),
			Guarded: r.Guarded,
		}
		if r.Rate != "" {
			rate, err := decimal.NewFromString(r.Rate)
			if err != nil {
				zaplog.Fatal("invalid accrual rate",
					zap.String("reason", r.Reason), zap.String("rate", r.Rate))
			}
			rule.Rate = rate
		}
		table[loyalty.Reason(r.Reason)] = rule
	}
	return table
}

// expiryPolicy builds the configured grant expiry policy.
func expiryPolicy(cfg config.ExpiryConfig) loyalty.ExpiryPolicy {
	if cfg.Policy == "tiered" && len(cfg.Tiers) > 0 {
		tiers := make([]loyalty.ExpiryTier, len(cfg.Tiers))
		for i, t := range cfg.Tiers {
			tiers[i] = loyalty.ExpiryTier{
				MinPoints: loyalty.Points(t.MinPoints),
				Days:      t.Days,
			}
		}
		return loyalty.TieredExpiry{Tiers: tiers, Default: cfg.Days}
	}
	return loyalty.FixedTermExpiry{Days: cfg.Days}
}
