// Package checker is the user-triggered pull path: it asks the provider for
// the user's latest confirmed payment and reconciles it.
package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/payment"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/reconcile"
	"dspaving.app/licensing/models"
)

type Result struct {
	Event   models.PaymentEvent
	Outcome reconcile.Outcome
}

type Checker struct {
	provider   provider.Provider
	reconciler *reconcile.Reconciler
	timeout    time.Duration
}

func New(p provider.Provider, r *reconcile.Reconciler, searchTimeout time.Duration) *Checker {
	if searchTimeout <= 0 {
		searchTimeout = 10 * time.Second
	}
	return &Checker{provider: p, reconciler: r, timeout: searchTimeout}
}

// CheckForUser searches authorized subscriptions first, then approved single
// payments, and reconciles the most recent hit. It is safe to call as often
// as the user likes. models.ErrNoPaymentFound is a soft failure the caller
// should present as "try again shortly".
func (c *Checker) CheckForUser(ctx context.Context, userID string) (Result, error) {
	fields := logger.Fields{"user_id": userID, "gateway": "manual_check"}

	ev, err := c.findLatest(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrNoPaymentFound) {
			logger.Info("No confirmed payment found", fields)
		} else {
			logger.Warn("Manual check failed", mergeError(fields, err))
		}
		return Result{}, err
	}
	fields["reference_id"] = ev.ReferenceID
	fields["kind"] = string(ev.Kind)

	out, err := c.reconciler.Reconcile(ctx, ev)
	if err != nil {
		return Result{Event: ev, Outcome: out}, err
	}
	if out.Result == reconcile.Ignored {
		logger.Info("Latest payment is not confirmed", fields)
		return Result{Event: ev, Outcome: out}, models.ErrNoPaymentFound
	}

	fields["duplicate"] = out.Duplicate
	logger.Info("Manual check reconciled", fields)
	return Result{Event: ev, Outcome: out}, nil
}

func (c *Checker) findLatest(ctx context.Context, userID string) (models.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	subs, err := c.provider.SearchSubscriptions(ctx, provider.SearchQuery{
		ExternalReference: userID,
		Status:            provider.StatusAuthorized,
	})
	if err != nil {
		return models.PaymentEvent{}, unavailable(err)
	}
	if sub := provider.LatestSubscription(subs); sub != nil {
		return normalize(payment.NormalizeSubscription(sub))
	}

	payments, err := c.provider.SearchPayments(ctx, provider.SearchQuery{
		ExternalReference: userID,
		Status:            provider.StatusApproved,
	})
	if err != nil {
		return models.PaymentEvent{}, unavailable(err)
	}
	if p := provider.LatestPayment(payments); p != nil {
		return normalize(payment.NormalizePayment(p))
	}

	return models.PaymentEvent{}, models.ErrNoPaymentFound
}

// A search hit without an external reference cannot be attributed to the
// caller; it counts as nothing found.
func normalize(ev models.PaymentEvent, err error) (models.PaymentEvent, error) {
	if errors.Is(err, models.ErrMissingExternalReference) {
		return models.PaymentEvent{}, fmt.Errorf("%w: %v", models.ErrNoPaymentFound, err)
	}
	return ev, err
}

func unavailable(err error) error {
	if errors.Is(err, models.ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

func mergeError(fields logger.Fields, err error) logger.Fields {
	out := logger.Fields{"error": err.Error()}
	for k, v := range fields {
		out[k] = v
	}
	return out
}
