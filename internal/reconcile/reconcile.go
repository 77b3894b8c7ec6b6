// Package reconcile applies canonical payment events to the License Ledger.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dspaving.app/licensing/internal/alert"
	"dspaving.app/licensing/internal/email"
	"dspaving.app/licensing/internal/lock"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/models"
	"dspaving.app/licensing/storage"
)

type Result string

const (
	Applied Result = "applied"
	Ignored Result = "ignored"
	Failed  Result = "failed"
)

type Outcome struct {
	Result  Result
	License *models.License
	// Duplicate marks an Applied outcome whose reference id had already been
	// applied. License is the unchanged record.
	Duplicate bool
	// Reason is ErrNotApproved for Ignored, or the ledger error for Failed.
	Reason error
}

type Reconciler struct {
	ledger  storage.Ledger
	locker  lock.Locker
	alerts  alert.Reporter
	mailer  email.Sender
	timeout time.Duration
	now     func() time.Time

	mail sync.WaitGroup
}

type Option func(*Reconciler)

func WithLocker(l lock.Locker) Option {
	return func(r *Reconciler) { r.locker = l }
}

func WithAlerts(a alert.Reporter) Option {
	return func(r *Reconciler) { r.alerts = a }
}

func WithMailer(m email.Sender) Option {
	return func(r *Reconciler) { r.mailer = m }
}

// WithTimeout bounds the lock wait plus the ledger mutation.
func WithTimeout(d time.Duration) Option {
	return func(r *Reconciler) { r.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(ledger storage.Ledger, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:  ledger,
		locker:  lock.NewKeyed(),
		alerts:  alert.NewSentryReporter(),
		mailer:  email.Noop{},
		timeout: 5 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile applies ev once. Unapproved events are Ignored without touching
// the ledger. The error is non-nil exactly when the outcome is Failed.
func (r *Reconciler) Reconcile(ctx context.Context, ev models.PaymentEvent) (Outcome, error) {
	fields := logger.Fields{
		"reference_id": ev.ReferenceID,
		"user_id":      ev.UserID,
		"kind":         string(ev.Kind),
		"plan_tier":    string(ev.PlanTier),
	}

	if !ev.Approved {
		logger.Info("Payment not approved, ignoring", fields)
		return Outcome{Result: Ignored, Reason: models.ErrNotApproved}, nil
	}

	plan := ev.PlanTier
	if !plan.Valid() {
		plan = models.PlanMonthly
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	unlock, err := r.locker.Lock(ctx, ev.UserID)
	if err != nil {
		err = fmt.Errorf("%w: acquire user lock: %v", models.ErrLedgerUnavailable, err)
		logger.Error("Failed to serialize license update", mergeError(fields, err))
		return Outcome{Result: Failed, Reason: err}, err
	}
	res, err := r.ledger.ApplyPayment(ctx, storage.ApplyRequest{
		ReferenceID: ev.ReferenceID,
		UserID:      ev.UserID,
		PlanTier:    plan,
		Kind:        ev.Kind,
		Now:         r.now(),
	})
	unlock()

	if err != nil {
		if errors.Is(err, models.ErrLedgerConstraintViolation) {
			r.alerts.Report(ctx, err, fields)
		} else if !errors.Is(err, models.ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrLedgerUnavailable, err)
		}
		logger.Error("Failed to apply payment", mergeError(fields, err))
		return Outcome{Result: Failed, Reason: err}, err
	}

	license := res.License
	fields["expires_at"] = license.ExpiresAt
	fields["duplicate"] = res.Duplicate
	if res.Duplicate {
		logger.Info("Payment already applied", fields)
	} else {
		logger.Info("Payment applied", fields)
		if ev.PayerEmail != "" {
			r.sendActivation(ev, license)
		}
	}

	return Outcome{Result: Applied, License: &license, Duplicate: res.Duplicate}, nil
}

func (r *Reconciler) sendActivation(ev models.PaymentEvent, license models.License) {
	r.mail.Add(1)
	go func() {
		defer r.mail.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := r.mailer.Send(ctx, email.ActivationMessage(ev.PayerEmail, license)); err != nil {
			logger.Warn("Failed to send activation email", logger.Fields{
				"reference_id": ev.ReferenceID,
				"user_id":      ev.UserID,
				"error":        err.Error(),
			})
		}
	}()
}

// Wait blocks until pending activation emails have been handed off.
func (r *Reconciler) Wait() {
	r.mail.Wait()
}

func mergeError(fields logger.Fields, err error) logger.Fields {
	out := logger.Fields{"error": err.Error()}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
