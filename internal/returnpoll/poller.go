package returnpoll

import (
	"context"
	"errors"
	"time"

	"dspaving.app/licensing/internal/config"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/models"
	"dspaving.app/licensing/storage"
	"github.com/cenkalti/backoff/v4"
)

// StatusSource reads the effective license status for a user. A user with no
// license yet reports an empty status.
type StatusSource interface {
	LicenseStatus(ctx context.Context, userID string) (models.Status, error)
}

// Fallback runs a manual check once polling gives up.
type Fallback interface {
	ManualCheck(ctx context.Context, userID string) (models.Status, error)
}

type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		Interval:    3 * time.Second,
		MaxInterval: 15 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 20,
	}
}

// PolicyFromConfig builds a policy from POLL_* settings. Zero values keep the
// defaults.
func PolicyFromConfig(c config.PollConfig) Policy {
	p := DefaultPolicy()
	if c.Interval > 0 {
		p.Interval = c.Interval
	}
	if c.MaxInterval > 0 {
		p.MaxInterval = c.MaxInterval
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	return p
}

type Outcome struct {
	Status    models.Status
	Attempts  int
	Activated bool
	// FellBack is set when the attempt cap was reached and the manual check
	// ran.
	FellBack bool
}

var errNotActive = errors.New("license not active yet")

type Poller struct {
	source   StatusSource
	fallback Fallback
	policy   Policy
}

func NewPoller(source StatusSource, fallback Fallback, policy Policy) *Poller {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Poller{source: source, fallback: fallback, policy: policy}
}

// Wait polls until the license is active, the attempt cap is reached, ctx is
// done or sess ends. On the cap it runs the fallback once.
func (p *Poller) Wait(ctx context.Context, sess *Session) (Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.ctx, cancel)
	defer stop()

	fields := logger.Fields{"user_id": sess.UserID, "reference_id": sess.ReferenceID()}
	var last models.Status
	sess.attempts.Store(0)

	op := func() error {
		sess.attempts.Inc()
		status, err := p.source.LicenseStatus(ctx, sess.UserID)
		if err != nil {
			return err
		}
		last = status
		if status != models.StatusActive {
			return errNotActive
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(p.exponential(), uint64(p.policy.MaxAttempts-1)), ctx))
	out := Outcome{Status: last, Attempts: sess.Attempts()}

	if err == nil {
		sess.clearProcessing()
		out.Activated = true
		logger.Info("License active, poll finished", mergeFields(fields, logger.Fields{"attempts": out.Attempts}))
		return out, nil
	}
	if ctx.Err() != nil {
		logger.Info("Poll cancelled", fields)
		return out, ctx.Err()
	}

	logger.Info("Poll attempts exhausted, running manual check", mergeFields(fields, logger.Fields{"attempts": out.Attempts}))
	out.FellBack = true
	if p.fallback == nil {
		return out, models.ErrNoPaymentFound
	}

	status, err := p.fallback.ManualCheck(ctx, sess.UserID)
	if err != nil {
		return out, err
	}
	out.Status = status
	out.Activated = status == models.StatusActive
	if out.Activated {
		sess.clearProcessing()
	}
	return out, nil
}

func (p *Poller) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.policy.Interval
	b.MaxInterval = p.policy.MaxInterval
	b.Multiplier = p.policy.Multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	return b
}

// LedgerSource reads status straight from the ledger, for in-process use.
type LedgerSource struct {
	Ledger storage.Ledger
	Now    func() time.Time
}

func (s LedgerSource) LicenseStatus(ctx context.Context, userID string) (models.Status, error) {
	license, err := s.Ledger.GetLicense(ctx, userID)
	if err != nil || license == nil {
		return "", err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return license.EffectiveStatus(now()), nil
}

func mergeFields(a, b logger.Fields) logger.Fields {
	out := make(logger.Fields, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
