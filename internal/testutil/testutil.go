// Package testutil holds doubles and request builders shared by tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"dspaving.app/licensing/internal/email"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/provider/mercadopago"
	"dspaving.app/licensing/models"
	"dspaving.app/licensing/storage"
)

const WebhookSecret = "mp_test_webhook_secret"

// FakeProvider serves records from memory. Err, when set, is returned by
// every call.
type FakeProvider struct {
	mu            sync.Mutex
	Payments      map[string]provider.Payment
	Subscriptions map[string]provider.Subscription
	Err           error
	Calls         int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		Payments:      make(map[string]provider.Payment),
		Subscriptions: make(map[string]provider.Subscription),
	}
}

func (f *FakeProvider) AddPayment(p provider.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Payments[p.ID] = p
}

func (f *FakeProvider) AddSubscription(s provider.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions[s.ID] = s
}

func (f *FakeProvider) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *FakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls
}

func (f *FakeProvider) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	p, ok := f.Payments[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &p, nil
}

func (f *FakeProvider) FetchSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	s, ok := f.Subscriptions[id]
	if !ok {
		return nil, provider.ErrNotFound
	}
	return &s, nil
}

func (f *FakeProvider) SearchPayments(ctx context.Context, q provider.SearchQuery) ([]provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	var out []provider.Payment
	for _, p := range f.Payments {
		if p.ExternalReference == q.ExternalReference && (q.Status == "" || p.Status == q.Status) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeProvider) SearchSubscriptions(ctx context.Context, q provider.SearchQuery) ([]provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	if f.Err != nil {
		return nil, f.Err
	}
	var out []provider.Subscription
	for _, s := range f.Subscriptions {
		if s.ExternalReference == q.ExternalReference && (q.Status == "" || s.Status == q.Status) {
			out = append(out, s)
		}
	}
	return out, nil
}

// CountingLedger wraps a ledger, counts mutations and can be made to fail.
type CountingLedger struct {
	storage.Ledger

	mu       sync.Mutex
	Applies  int
	ApplyErr error
	ReadErr  error
}

func NewCountingLedger(inner storage.Ledger) *CountingLedger {
	return &CountingLedger{Ledger: inner}
}

func (c *CountingLedger) ApplyPayment(ctx context.Context, req storage.ApplyRequest) (storage.ApplyResult, error) {
	c.mu.Lock()
	c.Applies++
	err := c.ApplyErr
	c.mu.Unlock()
	if err != nil {
		return storage.ApplyResult{}, err
	}
	return c.Ledger.ApplyPayment(ctx, req)
}

func (c *CountingLedger) GetLicense(ctx context.Context, userID string) (*models.License, error) {
	c.mu.Lock()
	err := c.ReadErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Ledger.GetLicense(ctx, userID)
}

func (c *CountingLedger) ApplyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Applies
}

// Outbox records messages instead of sending them.
type Outbox struct {
	mu       sync.Mutex
	Messages []email.Message
	Err      error
}

func (o *Outbox) Send(ctx context.Context, msg email.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Messages = append(o.Messages, msg)
	return o.Err
}

func (o *Outbox) Sent() []email.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]email.Message(nil), o.Messages...)
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ApprovedPayment builds a provider payment owned by userID.
func ApprovedPayment(id, userID string, amount float64) provider.Payment {
	return provider.Payment{
		ID:                id,
		Status:            provider.StatusApproved,
		ExternalReference: userID,
		Amount:            amount,
		DateCreated:       time.Now(),
	}
}

// AuthorizedSubscription builds a provider preapproval owned by userID.
func AuthorizedSubscription(id, userID string, frequency int) provider.Subscription {
	return provider.Subscription{
		ID:                id,
		Status:            provider.StatusAuthorized,
		ExternalReference: userID,
		Frequency:         frequency,
		FrequencyType:     "months",
		DateCreated:       time.Now(),
	}
}

// MercadoPagoWebhookBody is the JSON body of a notification for resourceID.
func MercadoPagoWebhookBody(notificationType, resourceID string) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"action": notificationType + ".created",
		"type":   notificationType,
		"data": map[string]interface{}{
			"id": resourceID,
		},
	})
	return body
}

// NewMercadoPagoWebhookRequest builds a signed notification request.
func NewMercadoPagoWebhookRequest(notificationType, resourceID string) *http.Request {
	body := MercadoPagoWebhookBody(notificationType, resourceID)
	requestID := fmt.Sprintf("req-%s-%d", resourceID, time.Now().UnixNano())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mercadopago?data.id="+resourceID+"&type="+notificationType, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-request-id", requestID)
	req.Header.Set("x-signature", mercadopago.SignatureHeader(WebhookSecret, requestID, resourceID, time.Now()))
	return req
}

// NewJSONRequest builds a request with v encoded as its body.
func NewJSONRequest(t *testing.T, method, target string, v interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeJSON decodes the recorder body into a map.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v (body %q)", err, w.Body.String())
	}
	return out
}

// AssertStatus fails the test when the recorder's code differs from want.
func AssertStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Errorf("Expected status %d, got %d (body %s)", want, w.Code, w.Body.String())
	}
}
