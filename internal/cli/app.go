package cli

import (
	"context"
	"fmt"
	"time"

	"dspaving.app/licensing/handlers"
	"dspaving.app/licensing/internal/alert"
	"dspaving.app/licensing/internal/auth"
	"dspaving.app/licensing/internal/checker"
	"dspaving.app/licensing/internal/config"
	"dspaving.app/licensing/internal/email"
	"dspaving.app/licensing/internal/lock"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/provider/mercadopago"
	"dspaving.app/licensing/internal/provider/stripepay"
	"dspaving.app/licensing/internal/ratelimit"
	"dspaving.app/licensing/internal/reconcile"
	"dspaving.app/licensing/internal/webhook"
	"dspaving.app/licensing/storage"
)

const lockExpiry = 10 * time.Second

// App is the wired pipeline shared by serve and check.
type App struct {
	Config     *config.Config
	Ledger     storage.Ledger
	Provider   provider.Provider
	Alerts     alert.Reporter
	Reconciler *reconcile.Reconciler
	Gateway    *webhook.Gateway
	Checker    *checker.Checker

	flush func()
}

func NewApp(ctx context.Context, cfg *config.Config, version string) (*App, error) {
	flush, err := alert.Init(cfg.SentryDSN, cfg.Environment, version)
	if err != nil {
		return nil, err
	}

	ledger, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		flush()
		return nil, fmt.Errorf("failed to open license ledger: %w", err)
	}

	var locker lock.Locker = lock.NewKeyed()
	if cfg.RedisAddr != "" {
		redisLock, err := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, lockExpiry)
		if err != nil {
			ledger.Close()
			flush()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = redisLock
	}

	var mailer email.Sender = email.Noop{}
	if cfg.EmailService == "smtp" {
		mailer = &email.SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.EmailFrom,
		}
	}

	var p provider.Provider
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		p = stripepay.New(cfg.StripeSecret)
	default:
		p = mercadopago.New(cfg.MercadoPagoBaseURL, cfg.MercadoPagoAccessToken, cfg.ProviderTimeout)
	}

	alerts := alert.NewSentryReporter()
	rec := reconcile.New(ledger,
		reconcile.WithLocker(locker),
		reconcile.WithAlerts(alerts),
		reconcile.WithMailer(mailer),
		reconcile.WithTimeout(cfg.LedgerTimeout),
	)

	logger.Info("License pipeline ready", logger.Fields{
		"provider":    cfg.PaymentProvider,
		"postgres":    cfg.UsesPostgres(),
		"redis_locks": cfg.RedisAddr != "",
		"email":       cfg.EmailService != "",
	})

	return &App{
		Config:     cfg,
		Ledger:     ledger,
		Provider:   p,
		Alerts:     alerts,
		Reconciler: rec,
		Gateway:    webhook.NewGateway(p, rec, alerts, cfg.ProviderTimeout),
		Checker:    checker.New(p, rec, cfg.ProviderTimeout),
		flush:      flush,
	}, nil
}

// Server builds the HTTP surface. Only the configured provider's webhook
// route is mounted.
func (a *App) Server(version string) *handlers.Server {
	cfg := a.Config
	opts := handlers.Options{
		Version:       version,
		MinAppVersion: cfg.MinAppVersion,
		TrialDuration: time.Duration(cfg.TrialDays) * 24 * time.Hour,
		LedgerTimeout: cfg.LedgerTimeout,
		CORSOrigins:   cfg.CORSOrigins,
		CheckLimiter:  ratelimit.New(cfg.CheckRatePerMinute, time.Minute),
	}
	switch cfg.PaymentProvider {
	case config.ProviderStripe:
		opts.StripeWebhookSecret = cfg.StripeWebhookSecret
	default:
		opts.MercadoPagoWebhookSecret = cfg.MercadoPagoWebhookSecret
	}
	if cfg.AuthJWTSecret != "" {
		opts.Auth = auth.NewVerifier(cfg.AuthJWTSecret)
	}
	return handlers.NewServer(a.Ledger, a.Gateway, a.Checker, opts)
}

// Close waits for queued activation emails, then releases the ledger.
func (a *App) Close() {
	a.Reconciler.Wait()
	if err := a.Ledger.Close(); err != nil {
		logger.Warn("Failed to close license ledger", logger.Fields{"error": err.Error()})
	}
	a.flush()
}
