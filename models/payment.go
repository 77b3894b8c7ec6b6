package models

// PaymentKind is resolved once at ingestion from the provider notification type.
type PaymentKind string

const (
	KindSinglePayment PaymentKind = "single_payment"
	KindSubscription  PaymentKind = "subscription"
)

// Provider notification types.
const (
	NotificationPayment      = "payment"
	NotificationSubscription = "subscription_preapproval"
)

// PaymentEvent is the canonical shape every ingestion path hands to the
// reconciler. It is never persisted.
type PaymentEvent struct {
	ReferenceID string
	UserID      string
	PlanTier    PlanTier
	Approved    bool
	Kind        PaymentKind

	// PayerEmail is only used for the activation notice.
	PayerEmail string
}
