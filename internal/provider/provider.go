// Package provider defines the payment provider capability the gateways consume.
package provider

import (
	"context"
	"errors"
	"time"
)

// Provider status values carried on records after adapter translation.
const (
	StatusApproved   = "approved"
	StatusAuthorized = "authorized"
)

// ErrNotFound is returned by fetch-by-id when the provider has no such record.
var ErrNotFound = errors.New("provider record not found")

// Payment is a single payment as reported by the provider.
type Payment struct {
	ID                string
	Status            string
	ExternalReference string
	Amount            float64
	Description       string
	PayerEmail        string
	Metadata          map[string]string
	DateCreated       time.Time
}

// Subscription is a recurring billing agreement (preapproval).
type Subscription struct {
	ID                string
	Status            string
	ExternalReference string
	Amount            float64
	// Frequency is the billing period in FrequencyType units; 12 months is annual.
	Frequency     int
	FrequencyType string
	PayerEmail    string
	Metadata      map[string]string
	DateCreated   time.Time
}

type SearchQuery struct {
	ExternalReference string
	Status            string
}

type Provider interface {
	FetchPayment(ctx context.Context, id string) (*Payment, error)
	FetchSubscription(ctx context.Context, id string) (*Subscription, error)
	SearchPayments(ctx context.Context, q SearchQuery) ([]Payment, error)
	SearchSubscriptions(ctx context.Context, q SearchQuery) ([]Subscription, error)
}

// Notification is the provider-neutral push notice: it names a record, it does
// not carry payment detail.
type Notification struct {
	Type       string
	ResourceID string
	// DeliveryID is the provider's id for this delivery, for logs only.
	DeliveryID string
}

// LatestPayment returns the most recently created payment, or nil.
func LatestPayment(payments []Payment) *Payment {
	var latest *Payment
	for i := range payments {
		if latest == nil || payments[i].DateCreated.After(latest.DateCreated) {
			latest = &payments[i]
		}
	}
	return latest
}

// LatestSubscription returns the most recently created subscription, or nil.
func LatestSubscription(subs []Subscription) *Subscription {
	var latest *Subscription
	for i := range subs {
		if latest == nil || subs[i].DateCreated.After(latest.DateCreated) {
			latest = &subs[i]
		}
	}
	return latest
}
