// Package payment turns provider records into the canonical PaymentEvent the
// reconciler consumes.
package payment

import (
	"fmt"
	"strings"

	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/models"
)

// ParseNotificationType resolves the payment kind once at ingestion.
func ParseNotificationType(notificationType string) (models.PaymentKind, error) {
	switch strings.TrimSpace(notificationType) {
	case models.NotificationPayment:
		return models.KindSinglePayment, nil
	case models.NotificationSubscription:
		return models.KindSubscription, nil
	default:
		return "", fmt.Errorf("%w: %q", models.ErrUnsupportedNotificationType, notificationType)
	}
}

func NormalizePayment(p *provider.Payment) (models.PaymentEvent, error) {
	userID := strings.TrimSpace(p.ExternalReference)
	if userID == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: payment %s", models.ErrMissingExternalReference, p.ID)
	}

	return models.PaymentEvent{
		ReferenceID: p.ID,
		UserID:      userID,
		PlanTier: ClassifyPlan(PlanInput{
			Kind:        models.KindSinglePayment,
			Amount:      p.Amount,
			Description: p.Description,
			Metadata:    p.Metadata,
		}),
		Approved:   p.Status == provider.StatusApproved,
		Kind:       models.KindSinglePayment,
		PayerEmail: p.PayerEmail,
	}, nil
}

func NormalizeSubscription(s *provider.Subscription) (models.PaymentEvent, error) {
	userID := strings.TrimSpace(s.ExternalReference)
	if userID == "" {
		return models.PaymentEvent{}, fmt.Errorf("%w: subscription %s", models.ErrMissingExternalReference, s.ID)
	}

	return models.PaymentEvent{
		ReferenceID: s.ID,
		UserID:      userID,
		PlanTier: ClassifyPlan(PlanInput{
			Kind:      models.KindSubscription,
			Amount:    s.Amount,
			Frequency: s.Frequency,
			Metadata:  s.Metadata,
		}),
		Approved:   s.Status == provider.StatusAuthorized,
		Kind:       models.KindSubscription,
		PayerEmail: s.PayerEmail,
	}, nil
}
