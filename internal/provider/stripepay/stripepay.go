// Package stripepay adapts Stripe PaymentIntents and Subscriptions to the
// provider capability so the same gateways can run against either provider.
package stripepay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/models"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

const invoicePrefix = "in_"

// Metadata keys checked, in order, for the user id.
var referenceKeys = []string{"external_reference", "user_id"}

type Client struct {
	secretKey string
}

func New(secretKey string) *Client {
	stripe.Key = secretKey
	return &Client{secretKey: secretKey}
}

// FetchPayment reads a PaymentIntent, or an invoice when id is an invoice id.
// Renewal invoices are how subscription periods after the first are paid.
func (c *Client) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	if strings.HasPrefix(id, invoicePrefix) {
		return c.fetchInvoice(ctx, id)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	pi, err := paymentintent.Get(id, params)
	if err != nil {
		return nil, translateError(err)
	}
	p := PaymentFromIntent(pi)
	return &p, nil
}

func (c *Client) fetchInvoice(ctx context.Context, id string) (*provider.Payment, error) {
	params := &stripe.InvoiceParams{}
	params.Context = ctx

	inv, err := invoice.Get(id, params)
	if err != nil {
		return nil, translateError(err)
	}

	var sub *provider.Subscription
	if subID := invoiceSubscriptionID(inv); subID != "" {
		sub, err = c.FetchSubscription(ctx, subID)
		if err != nil {
			return nil, err
		}
	}
	p := PaymentFromInvoice(inv, sub)
	return &p, nil
}

func (c *Client) FetchSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("customer")

	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, translateError(err)
	}
	s := SubscriptionFromStripe(sub)
	return &s, nil
}

func (c *Client) SearchPayments(ctx context.Context, q provider.SearchQuery) ([]provider.Payment, error) {
	params := &stripe.PaymentIntentSearchParams{}
	params.Context = ctx
	params.Query = searchQuery(q, map[string]string{provider.StatusApproved: "succeeded"})

	var payments []provider.Payment
	iter := paymentintent.Search(params)
	for iter.Next() {
		payments = append(payments, PaymentFromIntent(iter.PaymentIntent()))
	}
	if err := iter.Err(); err != nil {
		return nil, translateError(err)
	}
	return payments, nil
}

func (c *Client) SearchSubscriptions(ctx context.Context, q provider.SearchQuery) ([]provider.Subscription, error) {
	params := &stripe.SubscriptionSearchParams{}
	params.Context = ctx
	params.Query = searchQuery(q, map[string]string{provider.StatusAuthorized: "active"})

	var subs []provider.Subscription
	iter := subscription.Search(params)
	for iter.Next() {
		subs = append(subs, SubscriptionFromStripe(iter.Subscription()))
	}
	if err := iter.Err(); err != nil {
		return nil, translateError(err)
	}
	return subs, nil
}

func searchQuery(q provider.SearchQuery, statuses map[string]string) string {
	ref := strings.ReplaceAll(q.ExternalReference, "'", "\\'")
	query := fmt.Sprintf("metadata['external_reference']:'%s'", ref)
	if s, ok := statuses[q.Status]; ok {
		query += fmt.Sprintf(" AND status:'%s'", s)
	}
	return query
}

func translateError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
		return provider.ErrNotFound
	}
	return fmt.Errorf("%w: stripe: %v", models.ErrProviderUnavailable, err)
}

func reference(metadata map[string]string) string {
	for _, k := range referenceKeys {
		if v := strings.TrimSpace(metadata[k]); v != "" {
			return v
		}
	}
	return ""
}

// PaymentFromIntent translates a PaymentIntent; a succeeded intent is approved.
func PaymentFromIntent(pi *stripe.PaymentIntent) provider.Payment {
	p := provider.Payment{
		ID:                pi.ID,
		Status:            string(pi.Status),
		ExternalReference: reference(pi.Metadata),
		Amount:            float64(pi.Amount) / 100,
		Description:       pi.Description,
		PayerEmail:        pi.ReceiptEmail,
		Metadata:          pi.Metadata,
		DateCreated:       time.Unix(pi.Created, 0).UTC(),
	}
	if pi.Status == stripe.PaymentIntentStatusSucceeded {
		p.Status = provider.StatusApproved
	}
	if p.PayerEmail == "" && pi.LatestCharge != nil && pi.LatestCharge.BillingDetails != nil {
		p.PayerEmail = pi.LatestCharge.BillingDetails.Email
	}
	return p
}

// PaymentFromInvoice translates a paid invoice into a payment keyed by the
// invoice id. The user and plan come from the invoice's subscription when
// there is one: renewal invoices carry no metadata of their own.
func PaymentFromInvoice(inv *stripe.Invoice, sub *provider.Subscription) provider.Payment {
	metadata := make(map[string]string)
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		for k, v := range inv.Parent.SubscriptionDetails.Metadata {
			metadata[k] = v
		}
	}
	if sub != nil {
		for k, v := range sub.Metadata {
			if _, ok := metadata[k]; !ok {
				metadata[k] = v
			}
		}
	}
	for k, v := range inv.Metadata {
		metadata[k] = v
	}

	if _, tagged := metadata["plan"]; !tagged && sub != nil && sub.Frequency > 0 {
		metadata["plan"] = string(models.PlanMonthly)
		if sub.Frequency == 12 && sub.FrequencyType == "months" {
			metadata["plan"] = string(models.PlanAnnual)
		}
	}

	p := provider.Payment{
		ID:                inv.ID,
		Status:            string(inv.Status),
		ExternalReference: reference(metadata),
		Amount:            float64(inv.AmountPaid) / 100,
		Description:       inv.Description,
		PayerEmail:        inv.CustomerEmail,
		Metadata:          metadata,
		DateCreated:       time.Unix(inv.Created, 0).UTC(),
	}
	if inv.Status == stripe.InvoiceStatusPaid {
		p.Status = provider.StatusApproved
	}
	if p.ExternalReference == "" && sub != nil {
		p.ExternalReference = sub.ExternalReference
	}
	return p
}

func invoiceSubscriptionID(inv *stripe.Invoice) string {
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		return ""
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID
}

// SubscriptionFromStripe translates a Subscription; active and trialing
// subscriptions are authorized. A yearly price is a 12 month frequency.
func SubscriptionFromStripe(sub *stripe.Subscription) provider.Subscription {
	s := provider.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		ExternalReference: reference(sub.Metadata),
		Metadata:          sub.Metadata,
		DateCreated:       time.Unix(sub.Created, 0).UTC(),
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		s.Status = provider.StatusAuthorized
	}
	if sub.Customer != nil {
		s.PayerEmail = sub.Customer.Email
	}

	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		s.Amount = float64(price.UnitAmount) / 100
		if rec := price.Recurring; rec != nil {
			count := int(rec.IntervalCount)
			if count == 0 {
				count = 1
			}
			s.FrequencyType = "months"
			switch rec.Interval {
			case stripe.PriceRecurringIntervalYear:
				s.Frequency = 12 * count
			case stripe.PriceRecurringIntervalMonth:
				s.Frequency = count
			default:
				s.Frequency = count
				s.FrequencyType = string(rec.Interval)
			}
		}
	}
	return s
}

// ParseWebhook verifies the Stripe-Signature header and reduces the event to
// a notification. Paid invoices and succeeded intents become payments;
// subscription creation and updates become preapprovals. Other event types
// keep their Stripe name and are rejected downstream as unsupported.
//
// An intent without a user reference is left unsupported: it belongs to an
// invoice, and the invoice.paid event for that invoice extends the license.
func ParseWebhook(payload []byte, signatureHeader, secret string) (provider.Notification, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return provider.Notification{}, fmt.Errorf("%w: %v", models.ErrInvalidSignature, err)
	}

	n := provider.Notification{
		Type:       string(event.Type),
		DeliveryID: event.ID,
	}
	var obj struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
	}
	if event.Data != nil {
		if err := json.Unmarshal(event.Data.Raw, &obj); err == nil {
			n.ResourceID = obj.ID
		}
	}

	switch event.Type {
	case "payment_intent.succeeded":
		if reference(obj.Metadata) != "" {
			n.Type = models.NotificationPayment
		}
	case "invoice.paid", "invoice.payment_succeeded":
		n.Type = models.NotificationPayment
	case "customer.subscription.created", "customer.subscription.updated":
		n.Type = models.NotificationSubscription
	}
	return n, nil
}
