package webhook

import (
	"context"
	"errors"
	"testing"
	"time"

	"dspaving.app/licensing/internal/alert"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/internal/reconcile"
	"dspaving.app/licensing/internal/testutil"
	"dspaving.app/licensing/models"
	"dspaving.app/licensing/storage"
)

type fixture struct {
	gateway  *Gateway
	provider *testutil.FakeProvider
	ledger   *testutil.CountingLedger
	alerts   *alert.Recorder
}

func newFixture() *fixture {
	f := &fixture{
		provider: testutil.NewFakeProvider(),
		ledger:   testutil.NewCountingLedger(storage.NewMemoryLedger()),
		alerts:   &alert.Recorder{},
	}
	r := reconcile.New(f.ledger, reconcile.WithAlerts(f.alerts))
	f.gateway = NewGateway(f.provider, r, f.alerts, time.Second)
	return f
}

func TestGateway_PaymentApplied(t *testing.T) {
	f := newFixture()
	f.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "PAY123"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !res.Acknowledged() {
		t.Errorf("Expected acknowledged, reached %s", res.Reached)
	}
	if res.Outcome.Result != reconcile.Applied {
		t.Errorf("Expected Applied, got %s", res.Outcome.Result)
	}
	if res.Event.PlanTier != models.PlanMonthly || res.Event.Kind != models.KindSinglePayment {
		t.Errorf("Unexpected event %+v", res.Event)
	}
}

func TestGateway_SubscriptionApplied(t *testing.T) {
	f := newFixture()
	f.provider.AddSubscription(testutil.AuthorizedSubscription("pre_1", "U2", 12))

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "subscription_preapproval", ResourceID: "pre_1"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if res.Outcome.License.PlanTier != models.PlanAnnual {
		t.Errorf("Expected annual plan, got %s", res.Outcome.License.PlanTier)
	}
}

func TestGateway_UnsupportedTypeAcknowledged(t *testing.T) {
	f := newFixture()

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "merchant_order", ResourceID: "MO1"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.Acknowledged() {
		t.Error("Expected unsupported type to be acknowledged")
	}
	if !errors.Is(res.Skipped, models.ErrUnsupportedNotificationType) {
		t.Errorf("Expected skipped reason, got %v", res.Skipped)
	}
	if f.provider.CallCount() != 0 || f.ledger.ApplyCount() != 0 {
		t.Error("Expected no provider or ledger calls")
	}
}

func TestGateway_NotApprovedAcknowledged(t *testing.T) {
	f := newFixture()
	p := testutil.ApprovedPayment("PAY9", "U1", 99.90)
	p.Status = "pending"
	f.provider.AddPayment(p)

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "PAY9"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.Acknowledged() || res.Outcome.Result != reconcile.Ignored {
		t.Errorf("Expected acknowledged Ignored, got %+v", res)
	}
	if f.ledger.ApplyCount() != 0 {
		t.Errorf("Expected no ledger call, got %d", f.ledger.ApplyCount())
	}
}

func TestGateway_ProviderUnavailable(t *testing.T) {
	f := newFixture()
	f.provider.SetErr(errors.New("connection reset"))

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "PAY1"})
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
	if res.Acknowledged() {
		t.Error("Expected failure not to be acknowledged")
	}
	if res.Reached != TypeValidated {
		t.Errorf("Expected to stop at %s, got %s", TypeValidated, res.Reached)
	}
}

func TestGateway_ProviderNotFoundIsTransient(t *testing.T) {
	f := newFixture()

	_, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "missing"})
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
}

func TestGateway_MissingExternalReferenceAlerts(t *testing.T) {
	f := newFixture()
	f.provider.AddPayment(testutil.ApprovedPayment("PAY1", "", 99.90))

	_, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "PAY1"})
	if !errors.Is(err, models.ErrMissingExternalReference) {
		t.Errorf("Expected ErrMissingExternalReference, got %v", err)
	}
	if f.alerts.Count() != 1 {
		t.Errorf("Expected one operator alert, got %d", f.alerts.Count())
	}
}

func TestGateway_LedgerFailureNotAcknowledged(t *testing.T) {
	f := newFixture()
	f.provider.AddPayment(testutil.ApprovedPayment("PAY1", "U1", 99.90))
	f.ledger.ApplyErr = models.ErrLedgerUnavailable

	res, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment", ResourceID: "PAY1"})
	if !errors.Is(err, models.ErrLedgerUnavailable) {
		t.Errorf("Expected ErrLedgerUnavailable, got %v", err)
	}
	if res.Reached != DetailFetched {
		t.Errorf("Expected to stop at %s, got %s", DetailFetched, res.Reached)
	}
}

func TestGateway_MissingResourceID(t *testing.T) {
	f := newFixture()

	_, err := f.gateway.Handle(context.Background(), provider.Notification{Type: "payment"})
	if !errors.Is(err, ErrMissingResourceID) {
		t.Errorf("Expected ErrMissingResourceID, got %v", err)
	}
}

func TestGateway_RedeliveryKeepsExpiry(t *testing.T) {
	f := newFixture()
	f.provider.AddPayment(testutil.ApprovedPayment("PAY123", "U1", 99.90))
	n := provider.Notification{Type: "payment", ResourceID: "PAY123"}

	first, err := f.gateway.Handle(context.Background(), n)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	second, err := f.gateway.Handle(context.Background(), n)
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if !second.Outcome.Duplicate {
		t.Error("Expected redelivery to be a duplicate")
	}
	if !second.Outcome.License.ExpiresAt.Equal(first.Outcome.License.ExpiresAt) {
		t.Errorf("Expected expiry unchanged, got %v then %v", first.Outcome.License.ExpiresAt, second.Outcome.License.ExpiresAt)
	}
}
