// Package config loads the service configuration from the environment once at startup.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Store backends
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
)

// Config is the full service configuration.
type Config struct {
	RunLocal bool   `env:"RUN_LOCAL,default=false"`
	HTTPAddr string `env:"HTTP_ADDR,default=:8080" validate:"required"`
	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=trace debug info warn error"`

	StoreBackend     string        `env:"STORE_BACKEND,default=dynamodb" validate:"oneof=dynamodb postgres bolt"`
	SessionsTable    string        `env:"SESSIONS_TABLE,default=payment_sessions"`
	BalancesTable    string        `env:"BALANCES_TABLE,default=user_balances"`
	IdempotencyTable string        `env:"IDEMPOTENCY_TABLE"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL,default=48h" validate:"gt=0"`
	EventsQueueURL   string        `env:"PAYMENT_EVENTS_QUEUE_URL" validate:"omitempty,url"`
	DatabaseURL      string        `env:"DATABASE_URL"`
	BoltPath         string        `env:"BOLT_PATH,default=payments.db"`

	Stripe   StripeConfig
	Checkout CheckoutConfig

	StatusRateLimit  float64 `env:"STATUS_RATE_LIMIT,default=5" validate:"gt=0"`
	StatusRateBurst  int     `env:"STATUS_RATE_BURST,default=10" validate:"gte=1"`
	MetricsNamespace string  `env:"METRICS_NAMESPACE,default=TokenCheckout"`
	AWSMaxAttempts   int     `env:"AWS_MAX_ATTEMPTS,default=3" validate:"gte=0"`
}

// StripeConfig holds the processor credentials.
type StripeConfig struct {
	SecretKey     string `env:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	Currency      string `env:"STRIPE_CURRENCY,default=usd" validate:"len=3"`
	ProductName   string `env:"STRIPE_PRODUCT_NAME,default=Tokens" validate:"required"`
}

// CheckoutConfig is what a checkout sells and where the buyer returns to.
type CheckoutConfig struct {
	TokenPriceCents int64  `env:"TOKEN_PRICE_CENTS,default=1" validate:"gte=1"`
	MaxTokens       int64  `env:"MAX_TOKENS_PER_CHECKOUT,default=100000" validate:"gte=1"`
	SuccessURL      string `env:"CHECKOUT_SUCCESS_URL,default=http://localhost:3000/tokens/success?session_id={CHECKOUT_SESSION_ID}" validate:"required"`
	CancelURL       string `env:"CHECKOUT_CANCEL_URL,default=http://localhost:3000/tokens/cancel" validate:"required,url"`
}

// Load reads an optional .env file and decodes the environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct rules plus the requirements of the selected backend.
func (c *Config) Validate() error {
	if err := validatorv10.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("invalid config: DATABASE_URL is required for the postgres backend")
		}
	case BackendBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			return errors.New("invalid config: BOLT_PATH is required for the bolt backend")
		}
	case BackendDynamoDB:
		if c.SessionsTable == "" || c.BalancesTable == "" {
			return errors.New("invalid config: SESSIONS_TABLE and BALANCES_TABLE are required for the dynamodb backend")
		}
	}
	if c.IdempotencyTable != "" && c.StoreBackend != BackendDynamoDB {
		return errors.New("invalid config: IDEMPOTENCY_TABLE requires the dynamodb backend")
	}
	return nil
}

// NewLogger builds the root logger. Local runs get human readable console output.
func NewLogger(level string, runLocal bool) zerolog.Logger {
	var w io.Writer = os.Stderr
	if runLocal {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Logger builds the root logger for c.
func (c *Config) Logger() zerolog.Logger {
	return NewLogger(c.LogLevel, c.RunLocal)
}
