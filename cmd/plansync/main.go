package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dukerupert/plansync/internal/config"
	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/events"
	"github.com/dukerupert/plansync/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:           "plansync",
	Short:         "Subscription lifecycle and payment reconciliation",
	Long:          `plansync sells plan subscriptions paid from a wallet or by card and keeps them in step with the payment gateway.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(creditsCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and installs the process logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.LogLevel
	if cfg.IsDevelopment() && os.Getenv("PLANSYNC_LOG_LEVEL") == "" {
		level = "debug"
	}
	return cfg, logging.Setup(level, cfg.LogFormat), nil
}

func openDB(cfg *config.Config, logger *slog.Logger) (*database.DB, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("database ready", "driver", db.Driver)
	return db, nil
}

// openPublisher connects to RabbitMQ. Without a broker URL, or in
// development when the broker is down, events are only logged.
func openPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.RabbitMQURL == "" {
		logger.Info("no RabbitMQ configured, using noop publisher")
		return events.NewNoopPublisher(logger), nil
	}
	pub, err := events.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		if cfg.IsDevelopment() {
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			return events.NewNoopPublisher(logger), nil
		}
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	return pub, nil
}
