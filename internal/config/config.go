// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database. Optional; the service runs on in-memory stores without it.
	DatabaseURL string

	// Chain settings
	EsploraURL        string // Esplora-compatible block explorer base URL
	ChainQueryTimeout time.Duration
	PollInterval      time.Duration
	WatcherWorkers    int

	// Payment settings
	ConfirmationsSmall int    // confirmations required below the small-amount ceiling
	ConfirmationsLarge int    // confirmations required at or above it
	SmallAmountCeiling string // decimal BTC, e.g. "0.1"
	PaymentExpiry      time.Duration

	// Escrow settings
	HoldingWindow   time.Duration
	DisputeRecheck  time.Duration
	SchedulerPeriod time.Duration

	// Address allocation. The pool is pre-derived deposit addresses;
	// production feeds it from the wallet system.
	AddressPool []string

	// Affiliate commission rate in basis points of the order amount.
	AffiliateRateBps int

	// Notifications
	KafkaBrokers []string
	KafkaTopic   string

	// Tracing. Empty disables the OTLP exporter.
	OTLPEndpoint string

	// Security
	AdminSecret    string
	AllowedOrigins []string
	RateLimitRPM   int
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultEsploraURL         = "https://blockstream.info/testnet/api"
	DefaultChainQueryTimeout  = 10 * time.Second
	DefaultPollInterval       = 60 * time.Second
	DefaultWatcherWorkers     = 8
	DefaultConfirmationsSmall = 1
	DefaultConfirmationsLarge = 3
	DefaultSmallCeiling       = "0.1"
	DefaultPaymentExpiry      = 24 * time.Hour
	DefaultHoldingWindow      = 14 * 24 * time.Hour
	DefaultDisputeRecheck     = 24 * time.Hour
	DefaultSchedulerPeriod    = time.Minute
	DefaultKafkaTopic         = "escrowd.events"
	DefaultRateLimit          = 120
	DefaultAffiliateRateBps   = 200
)

// Load reads configuration from environment variables.
// A .env file is loaded first when present (local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		EsploraURL:         getEnv("ESPLORA_URL", DefaultEsploraURL),
		ChainQueryTimeout:  getEnvDuration("CHAIN_QUERY_TIMEOUT", DefaultChainQueryTimeout),
		PollInterval:       getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		WatcherWorkers:     getEnvInt("WATCHER_WORKERS", DefaultWatcherWorkers),
		ConfirmationsSmall: getEnvInt("CONFIRMATIONS_SMALL", DefaultConfirmationsSmall),
		ConfirmationsLarge: getEnvInt("CONFIRMATIONS_LARGE", DefaultConfirmationsLarge),
		SmallAmountCeiling: getEnv("SMALL_AMOUNT_CEILING", DefaultSmallCeiling),
		PaymentExpiry:      getEnvDuration("PAYMENT_EXPIRY", DefaultPaymentExpiry),
		HoldingWindow:      getEnvDuration("HOLDING_WINDOW", DefaultHoldingWindow),
		DisputeRecheck:     getEnvDuration("DISPUTE_RECHECK", DefaultDisputeRecheck),
		SchedulerPeriod:    getEnvDuration("SCHEDULER_PERIOD", DefaultSchedulerPeriod),
		AddressPool:        getEnvList("ADDRESS_POOL"),
		AffiliateRateBps:   getEnvInt("AFFILIATE_RATE_BPS", DefaultAffiliateRateBps),
		KafkaBrokers:       getEnvList("KAFKA_BROKERS"),
		KafkaTopic:         getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", DefaultRateLimit),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.EsploraURL == "" {
		return fmt.Errorf("ESPLORA_URL is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.IsProduction() && len(c.AddressPool) == 0 {
		return fmt.Errorf("ADDRESS_POOL is required in production")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s")
	}
	if c.WatcherWorkers < 1 {
		return fmt.Errorf("WATCHER_WORKERS must be at least 1")
	}
	if c.ConfirmationsSmall < 1 || c.ConfirmationsLarge < c.ConfirmationsSmall {
		return fmt.Errorf("confirmation thresholds must satisfy 1 <= small <= large")
	}
	return nil
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
