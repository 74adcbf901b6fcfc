package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	Port      string
	BaseURL   string
	LogLevel  string
	LogFormat string

	DatabaseURL string
	RedisURL    string
	RabbitMQURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string

	WalletLedgerURL    string
	WalletLedgerToken  string
	WalletLedgerPlaces int32

	JWTSecret string

	SweepInterval  time.Duration
	SweepBatch     int
	WebhookWorkers int
	WebhookQueue   int
	DedupTTL       time.Duration
	PendingTTL     time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := getEnv("PLANSYNC_PORT", "8080")
	cfg := &Config{
		Env:       getEnv("PLANSYNC_ENV", "development"),
		Port:      port,
		BaseURL:   strings.TrimSuffix(getEnv("PLANSYNC_BASE_URL", "http://localhost:"+port), "/"),
		LogLevel:  getEnv("PLANSYNC_LOG_LEVEL", "info"),
		LogFormat: getEnv("PLANSYNC_LOG_FORMAT", "text"),

		DatabaseURL: getEnv("PLANSYNC_DATABASE_URL", "plansync.db"),
		RedisURL:    getEnv("PLANSYNC_REDIS_URL", ""),
		RabbitMQURL: getEnv("PLANSYNC_RABBITMQ_URL", ""),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeCurrency:      strings.ToLower(getEnv("STRIPE_CURRENCY", "usd")),

		WalletLedgerURL:   getEnv("WALLET_LEDGER_URL", ""),
		WalletLedgerToken: getEnv("WALLET_LEDGER_TOKEN", ""),

		JWTSecret: getEnv("PLANSYNC_JWT_SECRET", ""),

		SweepInterval:  getDurationEnv("PLANSYNC_SWEEP_INTERVAL", time.Minute),
		SweepBatch:     getIntEnv("PLANSYNC_SWEEP_BATCH", 100),
		WebhookWorkers: getIntEnv("PLANSYNC_WEBHOOK_WORKERS", 4),
		WebhookQueue:   getIntEnv("PLANSYNC_WEBHOOK_QUEUE", 256),
		DedupTTL:       getDurationEnv("PLANSYNC_DEDUP_TTL", 72*time.Hour),
		PendingTTL:     getDurationEnv("PLANSYNC_PENDING_TTL", 25*time.Hour),
	}

	places, err := strconv.ParseInt(getEnv("WALLET_LEDGER_PLACES", "0"), 10, 32)
	if err != nil || places < 0 {
		return nil, fmt.Errorf("WALLET_LEDGER_PLACES must be a non-negative integer")
	}
	cfg.WalletLedgerPlaces = int32(places)

	if cfg.SweepBatch <= 0 {
		return nil, fmt.Errorf("PLANSYNC_SWEEP_BATCH must be positive")
	}
	if cfg.WebhookWorkers < 0 {
		return nil, fmt.Errorf("PLANSYNC_WEBHOOK_WORKERS must not be negative")
	}

	return cfg, nil
}

// ValidateServe reports the settings the HTTP service cannot start without.
func (c *Config) ValidateServe() error {
	var missing []string
	if c.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.WalletLedgerURL == "" {
		missing = append(missing, "WALLET_LEDGER_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "PLANSYNC_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateLedger is the subset needed by commands that only talk to the wallet.
func (c *Config) ValidateLedger() error {
	if c.WalletLedgerURL == "" {
		return fmt.Errorf("missing required configuration: WALLET_LEDGER_URL")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) CheckoutSuccessURL() string {
	return c.BaseURL + "/subscriptions?session_id={CHECKOUT_SESSION_ID}"
}

func (c *Config) CheckoutCancelURL() string {
	return c.BaseURL + "/subscriptions"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
