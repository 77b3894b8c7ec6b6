package mercadopago

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "APP_USR-test-token", 2*time.Second, WithRetry(2, time.Millisecond))
}

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(req)
}

func TestWithHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 7, "status": "approved", "external_reference": "U1"}`))
	}))
	defer srv.Close()

	transport := &countingTransport{}
	client := New(srv.URL, "APP_USR-test-token", time.Second, WithHTTPClient(&http.Client{Transport: transport}))

	if _, err := client.FetchPayment(context.Background(), "7"); err != nil {
		t.Fatalf("FetchPayment failed: %v", err)
	}
	if transport.calls.Load() != 1 {
		t.Errorf("Expected the supplied client to carry 1 request, got %d", transport.calls.Load())
	}
}

func TestFetchPayment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/123456" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer APP_USR-test-token" {
			t.Errorf("Expected bearer token, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": 123456,
			"status": "approved",
			"external_reference": " U1 ",
			"transaction_amount": 249.9,
			"description": "DS Paving Pro Anual",
			"payer": {"email": "buyer@example.com"},
			"metadata": {"plan": "annual", "seats": 1},
			"date_created": "2024-03-01T10:00:00.000-04:00"
		}`))
	})

	p, err := client.FetchPayment(context.Background(), "123456")
	if err != nil {
		t.Fatalf("FetchPayment failed: %v", err)
	}
	if p.ID != "123456" {
		t.Errorf("Expected id 123456, got %s", p.ID)
	}
	if p.ExternalReference != "U1" {
		t.Errorf("Expected trimmed external reference U1, got %q", p.ExternalReference)
	}
	if p.Amount != 249.9 {
		t.Errorf("Expected amount 249.9, got %v", p.Amount)
	}
	if p.PayerEmail != "buyer@example.com" {
		t.Errorf("Expected payer email, got %q", p.PayerEmail)
	}
	if p.Metadata["plan"] != "annual" || p.Metadata["seats"] != "1" {
		t.Errorf("Unexpected metadata %v", p.Metadata)
	}
	if p.DateCreated.IsZero() {
		t.Error("Expected date_created to be parsed")
	}
}

func TestFetchSubscription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/preapproval/2c9380847e" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"id": "2c9380847e",
			"status": "authorized",
			"external_reference": "U2",
			"payer_email": "sub@example.com",
			"auto_recurring": {"frequency": 12, "frequency_type": "months", "transaction_amount": 299}
		}`))
	})

	s, err := client.FetchSubscription(context.Background(), "2c9380847e")
	if err != nil {
		t.Fatalf("FetchSubscription failed: %v", err)
	}
	if s.Frequency != 12 || s.FrequencyType != "months" {
		t.Errorf("Expected 12 months, got %d %s", s.Frequency, s.FrequencyType)
	}
	if s.Amount != 299 {
		t.Errorf("Expected amount 299, got %v", s.Amount)
	}
	if s.PayerEmail != "sub@example.com" {
		t.Errorf("Expected payer email, got %q", s.PayerEmail)
	}
}

func TestSearchPayments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("external_reference") != "U1" || q.Get("status") != "approved" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"results":[
			{"id": 1, "status": "approved", "external_reference": "U1", "date_created": "2024-01-01T00:00:00Z"},
			{"id": 2, "status": "approved", "external_reference": "U1", "date_created": "2024-02-01T00:00:00Z"}
		]}`))
	})

	payments, err := client.SearchPayments(context.Background(), provider.SearchQuery{ExternalReference: "U1", Status: provider.StatusApproved})
	if err != nil {
		t.Fatalf("SearchPayments failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("Expected 2 payments, got %d", len(payments))
	}
	if latest := provider.LatestPayment(payments); latest.ID != "2" {
		t.Errorf("Expected latest payment 2, got %s", latest.ID)
	}
}

func TestNotFound(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.NotFound(w, r)
	})

	_, err := client.FetchPayment(context.Background(), "999")
	if !errors.Is(err, provider.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 404 not to be retried, got %d calls", calls)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id": 7, "status": "approved", "external_reference": "U1"}`))
	})

	p, err := client.FetchPayment(context.Background(), "7")
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if p.ID != "7" {
		t.Errorf("Expected id 7, got %s", p.ID)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}
}

func TestPersistentFailureIsUnavailable(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.SearchSubscriptions(context.Background(), provider.SearchQuery{ExternalReference: "U1"})
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.FetchSubscription(context.Background(), "abc")
	if !errors.Is(err, models.ErrProviderUnavailable) {
		t.Errorf("Expected ErrProviderUnavailable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single attempt, got %d", calls)
	}
}
