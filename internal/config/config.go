// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all kernel configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Freshness gate (internal/freshness)
	EnvStaleSeconds   int64
	EnvUnknownSeconds int64

	// Agent defaults (internal/lifecycle)
	DefaultCreditsCents         int64
	DefaultDailySpendCents      int64
	DefaultStepUpThresholdCents int64

	// Step-up (internal/stepup)
	StepUpChallengeTTLSeconds int64
	StepUpTokenTTLSeconds     int64
	ConfirmationsRequired     int64

	// Spend snapshot (internal/spendsnapshot)
	BufferCents int64

	// Narrow allowlist for skipping step-up on specific outbound transfers.
	AutoApproveAgentIDs []string
	AutoApproveTo       []string
	AutoApproveMaxCents int64

	// Receipt signing
	ReceiptHMACSecret string `json:"-"`

	// Rate limiting
	RateLimitRPS int

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration // global handler execution timeout

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

// Defaults.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultEnvStaleSeconds   = 60
	DefaultEnvUnknownSeconds = 300

	DefaultCreditsCents         = 10_000_00
	DefaultDailySpendCents      = 1_000_00
	DefaultStepUpThresholdCents = 500_00

	DefaultStepUpChallengeTTLSeconds = 300
	DefaultStepUpTokenTTLSeconds     = 900
	DefaultConfirmationsRequired     = 3

	DefaultBufferCents = 500

	DefaultRateLimitRPS = 120

	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5     // seconds
	DefaultDBStatementTimeout = 30000 // milliseconds (30s)

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables, loading a .env file
// first when one is present (local development only).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		EnvStaleSeconds:   getEnvInt64("ENV_STALE_SECONDS", DefaultEnvStaleSeconds),
		EnvUnknownSeconds: getEnvInt64("ENV_UNKNOWN_SECONDS", DefaultEnvUnknownSeconds),

		DefaultCreditsCents:         getEnvInt64("DEFAULT_CREDITS_CENTS", DefaultCreditsCents),
		DefaultDailySpendCents:      getEnvInt64("DEFAULT_DAILY_SPEND_CENTS", DefaultDailySpendCents),
		DefaultStepUpThresholdCents: getEnvInt64("DEFAULT_STEP_UP_THRESHOLD_CENTS", DefaultStepUpThresholdCents),

		StepUpChallengeTTLSeconds: getEnvInt64("STEP_UP_CHALLENGE_TTL_SECONDS", DefaultStepUpChallengeTTLSeconds),
		StepUpTokenTTLSeconds:     getEnvInt64("STEP_UP_TOKEN_TTL_SECONDS", DefaultStepUpTokenTTLSeconds),
		ConfirmationsRequired:     getEnvInt64("CONFIRMATIONS_REQUIRED", DefaultConfirmationsRequired),

		BufferCents: getEnvInt64("BUFFER_CENTS", DefaultBufferCents),

		AutoApproveAgentIDs: getEnvList("AUTO_APPROVE_AGENT_IDS"),
		AutoApproveTo:       getEnvList("AUTO_APPROVE_TO"),
		AutoApproveMaxCents: getEnvInt64("AUTO_APPROVE_MAX_CENTS", 0),

		ReceiptHMACSecret: os.Getenv("RECEIPT_HMAC_SECRET"),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimitRPS))),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.EnvStaleSeconds <= 0 || c.EnvUnknownSeconds <= c.EnvStaleSeconds {
		return fmt.Errorf("ENV_UNKNOWN_SECONDS (%d) must exceed ENV_STALE_SECONDS (%d), both positive", c.EnvUnknownSeconds, c.EnvStaleSeconds)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.ReceiptHMACSecret == "" {
		slog.Warn("RECEIPT_HMAC_SECRET not set — receipts will be issued unsigned")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
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
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
