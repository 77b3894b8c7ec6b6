package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

const (
	ProviderMercadoPago = "mercadopago"
	ProviderStripe      = "stripe"
)

type Config struct {
	Port        string
	Environment string

	DatabaseURL string

	PaymentProvider string

	MercadoPagoAccessToken   string
	MercadoPagoWebhookSecret string
	MercadoPagoBaseURL       string

	StripeSecret        string
	StripeWebhookSecret string

	ProviderTimeout time.Duration
	LedgerTimeout   time.Duration

	TrialDays     int
	MinAppVersion string

	AuthJWTSecret      string
	CORSOrigins        []string
	CheckRatePerMinute int

	RedisAddr     string
	RedisPassword string

	SweepSchedule string

	SentryDSN string

	EmailService string // "smtp" or "" to disable
	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string

	Poll PollConfig
}

// PollConfig drives the client-side return poller.
type PollConfig struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	return New()
}

// New builds the configuration from the environment and reports every
// problem at once.
func New() (*Config, error) {
	var result *multierror.Error

	cfg := &Config{
		Port:                     getEnv("PORT", "8080"),
		Environment:              getEnv("ENVIRONMENT", "production"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		PaymentProvider:          strings.ToLower(getEnv("PAYMENT_PROVIDER", ProviderMercadoPago)),
		MercadoPagoAccessToken:   os.Getenv("MERCADOPAGO_ACCESS_TOKEN"),
		MercadoPagoWebhookSecret: os.Getenv("MERCADOPAGO_WEBHOOK_SECRET"),
		MercadoPagoBaseURL:       getEnv("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com"),
		StripeSecret:             os.Getenv("STRIPE_SECRET"),
		StripeWebhookSecret:      os.Getenv("STRIPE_WEBHOOK_SECRET"),
		MinAppVersion:            os.Getenv("MIN_APP_VERSION"),
		AuthJWTSecret:            os.Getenv("AUTH_JWT_SECRET"),
		CORSOrigins:              splitList(getEnv("CORS_ORIGINS", "http://localhost:5173")),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		SweepSchedule:            getEnv("SWEEP_SCHEDULE", "@every 1h"),
		SentryDSN:                os.Getenv("SENTRY_DSN"),
		EmailService:             strings.ToLower(os.Getenv("EMAIL_SERVICE")),
		SMTPHost:                 os.Getenv("SMTP_HOST"),
		SMTPPort:                 os.Getenv("SMTP_PORT"),
		SMTPUsername:             os.Getenv("SMTP_USERNAME"),
		SMTPPassword:             os.Getenv("SMTP_PASSWORD"),
		EmailFrom:                getEnv("EMAIL_FROM", "licencas@dspaving.app"),
	}

	if cfg.DatabaseURL == "" {
		result = multierror.Append(result, errors.New("DATABASE_URL environment variable is required"))
	}

	switch cfg.PaymentProvider {
	case ProviderMercadoPago:
		if cfg.MercadoPagoAccessToken == "" {
			result = multierror.Append(result, errors.New("MERCADOPAGO_ACCESS_TOKEN environment variable is required"))
		}
		if cfg.MercadoPagoWebhookSecret == "" {
			result = multierror.Append(result, errors.New("MERCADOPAGO_WEBHOOK_SECRET environment variable is required"))
		}
	case ProviderStripe:
		if cfg.StripeSecret == "" {
			result = multierror.Append(result, errors.New("STRIPE_SECRET environment variable is required"))
		}
		if cfg.StripeWebhookSecret == "" {
			result = multierror.Append(result, errors.New("STRIPE_WEBHOOK_SECRET environment variable is required"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("PAYMENT_PROVIDER must be %q or %q, got %q", ProviderMercadoPago, ProviderStripe, cfg.PaymentProvider))
	}

	if cfg.EmailService == "smtp" {
		if cfg.SMTPHost == "" || cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "" {
			result = multierror.Append(result, errors.New("SMTP_HOST, SMTP_PORT, SMTP_USERNAME, and SMTP_PASSWORD environment variables are required when using SMTP"))
		}
	} else if cfg.EmailService != "" {
		result = multierror.Append(result, fmt.Errorf("EMAIL_SERVICE must be empty or \"smtp\", got %q", cfg.EmailService))
	}

	cfg.ProviderTimeout = parseDuration(&result, "PROVIDER_TIMEOUT", 10*time.Second)
	cfg.LedgerTimeout = parseDuration(&result, "LEDGER_TIMEOUT", 5*time.Second)
	cfg.TrialDays = parseInt(&result, "TRIAL_DAYS", 7)
	cfg.CheckRatePerMinute = parseInt(&result, "CHECK_RATE_PER_MINUTE", 6)

	cfg.Poll = parsePoll(&result)

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPoll reads only the POLL_* variables, for clients that run without the
// server configuration. Invalid values fall back to their defaults and are
// reported in the error.
func LoadPoll() (PollConfig, error) {
	var result *multierror.Error
	poll := parsePoll(&result)
	return poll, result.ErrorOrNil()
}

func parsePoll(result **multierror.Error) PollConfig {
	poll := PollConfig{
		Interval:    parseDuration(result, "POLL_INTERVAL", 3*time.Second),
		MaxInterval: parseDuration(result, "POLL_MAX_INTERVAL", 15*time.Second),
		Multiplier:  parseFloat(result, "POLL_MULTIPLIER", 1.5),
		MaxAttempts: parseInt(result, "POLL_MAX_ATTEMPTS", 20),
	}
	if poll.MaxAttempts < 1 {
		*result = multierror.Append(*result, errors.New("POLL_MAX_ATTEMPTS must be at least 1"))
		poll.MaxAttempts = 20
	}
	if poll.Multiplier < 1 {
		*result = multierror.Append(*result, errors.New("POLL_MULTIPLIER must be at least 1"))
		poll.Multiplier = 1.5
	}
	return poll
}

// UsesPostgres reports whether DATABASE_URL points at Postgres rather than a
// SQLite file.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDuration(result **multierror.Error, key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		*result = multierror.Append(*result, fmt.Errorf("%s must be a positive duration, got %q", key, raw))
		return fallback
	}
	return d
}

func parseInt(result **multierror.Error, key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*result = multierror.Append(*result, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return fallback
	}
	return n
}

func parseFloat(result **multierror.Error, key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*result = multierror.Append(*result, fmt.Errorf("%s must be a number, got %q", key, raw))
		return fallback
	}
	return f
}
