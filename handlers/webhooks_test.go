package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/provider/mercadopago"
	"dspaving.app/licensing/internal/testutil"
	"dspaving.app/licensing/models"
	"github.com/stripe/stripe-go/v82/webhook"
)

func TestMercadoPagoWebhook_AppliesPayment(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))

	w := h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY123"))
	testutil.AssertStatus(t, w, http.StatusOK)

	body := testutil.DecodeJSON(t, w)
	if body["received"] != true {
		t.Errorf("Expected received=true, got %v", body["received"])
	}

	license := h.license(t, "U1")
	if license == nil {
		t.Fatal("Expected license to be created")
	}
	if license.Status != models.StatusActive {
		t.Errorf("Expected active license, got %s", license.Status)
	}
	if license.PlanTier != models.PlanMonthly {
		t.Errorf("Expected monthly plan, got %s", license.PlanTier)
	}
}

func TestMercadoPagoWebhook_RedeliveryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))

	testutil.AssertStatus(t, h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY123")), http.StatusOK)
	first := h.license(t, "U1").ExpiresAt

	testutil.AssertStatus(t, h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY123")), http.StatusOK)
	second := h.license(t, "U1").ExpiresAt

	if !first.Equal(second) {
		t.Errorf("Expected expiry unchanged on redelivery, got %v then %v", first, second)
	}
}

func TestMercadoPagoWebhook_Subscription(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddSubscription(testutil.AuthorizedSubscription("SUB1", "U2", 12))

	w := h.do(testutil.NewMercadoPagoWebhookRequest("subscription_preapproval", "SUB1"))
	testutil.AssertStatus(t, w, http.StatusOK)

	license := h.license(t, "U2")
	if license == nil || license.PlanTier != models.PlanAnnual {
		t.Fatalf("Expected annual license, got %+v", license)
	}
}

func TestMercadoPagoWebhook_InvalidSignature(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))

	tests := map[string]func(*http.Request){
		"missing header": func(r *http.Request) { r.Header.Del("x-signature") },
		"forged hash":    func(r *http.Request) { r.Header.Set("x-signature", "ts=1700000000000,v1=00ff") },
		"other secret": func(r *http.Request) {
			r.Header.Set("x-signature", mercadopago.SignatureHeader("wrong", r.Header.Get("x-request-id"), "PAY123", time.Now()))
		},
	}

	for name, tamper := range tests {
		t.Run(name, func(t *testing.T) {
			req := testutil.NewMercadoPagoWebhookRequest("payment", "PAY123")
			tamper(req)

			w := h.do(req)
			testutil.AssertStatus(t, w, http.StatusUnauthorized)
		})
	}

	if h.provider.CallCount() != 0 {
		t.Errorf("Expected no provider calls for unsigned webhooks, got %d", h.provider.CallCount())
	}
	if h.license(t, "U1") != nil {
		t.Error("Expected no license for unsigned webhooks")
	}
}

func TestMercadoPagoWebhook_UnsupportedTypeAcknowledged(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(testutil.NewMercadoPagoWebhookRequest("merchant_order", "MO1"))
	testutil.AssertStatus(t, w, http.StatusOK)

	if h.provider.CallCount() != 0 {
		t.Errorf("Expected no provider fetch, got %d calls", h.provider.CallCount())
	}
}

func TestMercadoPagoWebhook_NotApprovedAcknowledged(t *testing.T) {
	h := newHarness(t, nil)
	p := testutil.ApprovedPayment("PAY9", "U1", 99.90)
	p.Status = "pending"
	h.provider.AddPayment(p)

	w := h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY9"))
	testutil.AssertStatus(t, w, http.StatusOK)

	if h.ledger.ApplyCount() != 0 {
		t.Errorf("Expected no ledger mutation, got %d", h.ledger.ApplyCount())
	}
}

func TestMercadoPagoWebhook_MissingExternalReference(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(testutil.ApprovedPayment("PAY5", "", 99.90))

	w := h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY5"))
	testutil.AssertStatus(t, w, http.StatusUnprocessableEntity)

	if h.alerts.Count() != 1 {
		t.Errorf("Expected one operator alert, got %d", h.alerts.Count())
	}
	if h.ledger.ApplyCount() != 0 {
		t.Errorf("Expected no ledger mutation, got %d", h.ledger.ApplyCount())
	}
}

func TestMercadoPagoWebhook_TransientFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
	}{
		{
			name:  "provider down",
			setup: func(h *harness) { h.provider.SetErr(fmt.Errorf("%w: timeout", models.ErrProviderUnavailable)) },
		},
		{
			name:  "record not readable yet",
			setup: func(h *harness) {},
		},
		{
			name: "ledger down",
			setup: func(h *harness) {
				h.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))
				h.ledger.ApplyErr = fmt.Errorf("%w: disk I/O", models.ErrLedgerUnavailable)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)

			w := h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY123"))
			testutil.AssertStatus(t, w, http.StatusServiceUnavailable)
		})
	}
}

func TestMercadoPagoWebhook_ConstraintViolation(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))
	h.ledger.ApplyErr = fmt.Errorf("%w: duplicate key", models.ErrLedgerConstraintViolation)

	w := h.do(testutil.NewMercadoPagoWebhookRequest("payment", "PAY123"))
	testutil.AssertStatus(t, w, http.StatusInternalServerError)

	if h.alerts.Count() != 1 {
		t.Errorf("Expected one operator alert, got %d", h.alerts.Count())
	}
}

func TestMercadoPagoWebhook_MissingResourceID(t *testing.T) {
	h := newHarness(t, nil)

	body := []byte(`{"type":"payment","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mercadopago", bytes.NewReader(body))
	req.Header.Set("x-request-id", "req-1")
	req.Header.Set("x-signature", mercadopago.SignatureHeader(testutil.WebhookSecret, "req-1", "", time.Now()))

	w := h.do(req)
	testutil.AssertStatus(t, w, http.StatusBadRequest)
}

func TestMercadoPagoWebhook_PayloadTooLarge(t *testing.T) {
	h := newHarness(t, nil)

	body := strings.Repeat("a", int(maxWebhookBytes)+1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/mercadopago", strings.NewReader(body))

	w := h.do(req)
	testutil.AssertStatus(t, w, http.StatusRequestEntityTooLarge)
}

func stripeRequest(t *testing.T, payload, secret string) *http.Request {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewReader(sp.Payload))
	req.Header.Set("Stripe-Signature", sp.Header)
	return req
}

func TestStripeWebhook_AppliesPayment(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddPayment(provider.Payment{
		ID:                "pi_123",
		Status:            provider.StatusApproved,
		ExternalReference: "U3",
		Amount:            299.90,
		DateCreated:       time.Now(),
	})

	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"user_id":"U3"}}}}`
	w := h.do(stripeRequest(t, payload, stripeSecret))
	testutil.AssertStatus(t, w, http.StatusOK)

	license := h.license(t, "U3")
	if license == nil || license.PlanTier != models.PlanAnnual {
		t.Fatalf("Expected annual license for 299.90, got %+v", license)
	}
}

func TestStripeWebhook_RenewalInvoiceExtendsLicense(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.AddSubscription(testutil.AuthorizedSubscription("sub_1", "U4", 12))
	h.provider.AddPayment(provider.Payment{
		ID:                "in_renewal",
		Status:            provider.StatusApproved,
		ExternalReference: "U4",
		Amount:            249.90,
		Metadata:          map[string]string{"plan": "annual"},
		DateCreated:       time.Now(),
	})

	created := `{"id":"evt_1","object":"event","type":"customer.subscription.created","data":{"object":{"id":"sub_1","object":"subscription"}}}`
	testutil.AssertStatus(t, h.do(stripeRequest(t, created, stripeSecret)), http.StatusOK)
	first := h.license(t, "U4")
	if first == nil {
		t.Fatal("Expected license after subscription created")
	}

	// The renewal's own intent has no user and the period update reuses sub_1.
	intent := `{"id":"evt_2","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_renewal","object":"payment_intent"}}}`
	testutil.AssertStatus(t, h.do(stripeRequest(t, intent, stripeSecret)), http.StatusOK)
	updated := `{"id":"evt_4","object":"event","type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription"}}}`
	testutil.AssertStatus(t, h.do(stripeRequest(t, updated, stripeSecret)), http.StatusOK)
	if got := h.license(t, "U4"); !got.ExpiresAt.Equal(first.ExpiresAt) {
		t.Errorf("Expected expiry unchanged before invoice, got %v", got.ExpiresAt)
	}

	paid := `{"id":"evt_3","object":"event","type":"invoice.paid","data":{"object":{"id":"in_renewal","object":"invoice"}}}`
	testutil.AssertStatus(t, h.do(stripeRequest(t, paid, stripeSecret)), http.StatusOK)

	renewed := h.license(t, "U4")
	want := first.ExpiresAt.Add(models.PlanAnnual.Duration())
	if !renewed.ExpiresAt.Equal(want) {
		t.Errorf("Expected expiry %v after renewal, got %v", want, renewed.ExpiresAt)
	}
	if renewed.LastReferenceID != "in_renewal" {
		t.Errorf("Expected last reference in_renewal, got %q", renewed.LastReferenceID)
	}
	if h.alerts.Count() != 0 {
		t.Errorf("Expected no alerts, got %d", h.alerts.Count())
	}
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	h := newHarness(t, nil)

	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`
	w := h.do(stripeRequest(t, payload, "whsec_other"))
	testutil.AssertStatus(t, w, http.StatusUnauthorized)
}

func TestStripeWebhook_UnhandledEvent(t *testing.T) {
	h := newHarness(t, nil)

	payload := `{"id":"evt_2","object":"event","type":"invoice.created","data":{"object":{"id":"in_1","object":"invoice"}}}`
	w := h.do(stripeRequest(t, payload, stripeSecret))
	testutil.AssertStatus(t, w, http.StatusOK)
}

func TestHandleNotification_FetchErrorIsTransient(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.SetErr(errors.New("boom"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	h.server.handleNotification(w, req, provider.Notification{Type: "payment", ResourceID: "P1"})

	testutil.AssertStatus(t, w, http.StatusServiceUnavailable)
}
