// Package webhook drives a provider push notification through
// Received → TypeValidated → DetailFetched → Reconciled → Acknowledged.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dspaving.app/licensing/internal/alert"
	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/payment"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/reconcile"
	"dspaving.app/licensing/models"
)

type State string

const (
	Received      State = "received"
	TypeValidated State = "type_validated"
	DetailFetched State = "detail_fetched"
	Reconciled    State = "reconciled"
	Acknowledged  State = "acknowledged"
)

// ErrMissingResourceID is returned for a notification without a record id.
var ErrMissingResourceID = errors.New("notification carries no resource id")

// Result records how far a delivery got. Reached is the last state entered;
// a delivery that failed never reaches Acknowledged.
type Result struct {
	Reached State
	Kind    models.PaymentKind
	Event   *models.PaymentEvent
	Outcome reconcile.Outcome
	// Skipped is set when the delivery was acknowledged without processing.
	Skipped error
}

// Acknowledged reports whether the provider should stop redelivering.
func (r Result) Acknowledged() bool {
	return r.Reached == Acknowledged
}

type Gateway struct {
	provider   provider.Provider
	reconciler *reconcile.Reconciler
	alerts     alert.Reporter
	timeout    time.Duration
}

func NewGateway(p provider.Provider, r *reconcile.Reconciler, alerts alert.Reporter, fetchTimeout time.Duration) *Gateway {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Gateway{
		provider:   p,
		reconciler: r,
		alerts:     alerts,
		timeout:    fetchTimeout,
	}
}

// Handle processes one verified notification. A nil error means the delivery
// is acknowledged, including unsupported types and unapproved payments.
func (g *Gateway) Handle(ctx context.Context, n provider.Notification) (Result, error) {
	res := Result{Reached: Received}
	fields := logger.Fields{
		"notification_type": n.Type,
		"resource_id":       n.ResourceID,
		"delivery_id":       n.DeliveryID,
	}

	kind, err := payment.ParseNotificationType(n.Type)
	if err != nil {
		logger.Info("Ignoring unsupported notification type", fields)
		res.Reached = Acknowledged
		res.Skipped = err
		return res, nil
	}
	res.Reached = TypeValidated
	res.Kind = kind
	fields["kind"] = string(kind)

	if n.ResourceID == "" {
		logger.Warn("Notification without resource id", fields)
		return res, ErrMissingResourceID
	}

	ev, err := g.fetch(ctx, kind, n.ResourceID)
	if err != nil {
		if errors.Is(err, models.ErrMissingExternalReference) {
			g.alerts.Report(ctx, err, logger.Fields{
				"gateway":      "webhook",
				"reference_id": n.ResourceID,
				"kind":         string(kind),
			})
		} else {
			logger.Warn("Failed to fetch notification detail", mergeError(fields, err))
		}
		return res, err
	}
	res.Reached = DetailFetched
	res.Event = &ev
	fields["user_id"] = ev.UserID
	fields["approved"] = ev.Approved

	out, err := g.reconciler.Reconcile(ctx, ev)
	res.Outcome = out
	if err != nil {
		return res, err
	}
	res.Reached = Reconciled

	logger.Info("Webhook reconciled", mergeFields(fields, logger.Fields{
		"result":    string(out.Result),
		"duplicate": out.Duplicate,
	}))
	res.Reached = Acknowledged
	return res, nil
}

// fetch reads the full record. A 404 is reported as unavailable: the
// provider can notify before its read API serves the record.
func (g *Gateway) fetch(ctx context.Context, kind models.PaymentKind, id string) (models.PaymentEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	switch kind {
	case models.KindSubscription:
		sub, err := g.provider.FetchSubscription(ctx, id)
		if err != nil {
			return models.PaymentEvent{}, fetchError(err)
		}
		return payment.NormalizeSubscription(sub)
	default:
		p, err := g.provider.FetchPayment(ctx, id)
		if err != nil {
			return models.PaymentEvent{}, fetchError(err)
		}
		return payment.NormalizePayment(p)
	}
}

func fetchError(err error) error {
	if errors.Is(err, models.ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

func mergeError(fields logger.Fields, err error) logger.Fields {
	return mergeFields(fields, logger.Fields{"error": err.Error()})
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
