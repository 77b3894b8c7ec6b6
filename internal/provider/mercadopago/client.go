// Package mercadopago adapts the Mercado Pago REST API to provider.Provider.
package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dspaving.app/licensing/internal/logger"
	"dspaving.app/licensing/internal/provider"
	"dspaving.app/licensing/models"
	"github.com/cenkalti/backoff/v4"
)

const DefaultBaseURL = "https://api.mercadopago.com"

type Client struct {
	baseURL       string
	accessToken   string
	http          *http.Client
	maxRetries    uint64
	retryInterval time.Duration
}

type Option func(*Client)

// WithRetry sets how many times a transient failure is retried and the first
// backoff interval.
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryInterval = initial
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		c.http = h
	}
}

func New(baseURL, accessToken string, timeout time.Duration, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		accessToken:   accessToken,
		http:          &http.Client{Timeout: timeout},
		maxRetries:    2,
		retryInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type payer struct {
	Email string `json:"email"`
}

type paymentResource struct {
	ID                json.Number            `json:"id"`
	Status            string                 `json:"status"`
	ExternalReference string                 `json:"external_reference"`
	TransactionAmount float64                `json:"transaction_amount"`
	Description       string                 `json:"description"`
	Payer             *payer                 `json:"payer"`
	Metadata          map[string]interface{} `json:"metadata"`
	DateCreated       string                 `json:"date_created"`
}

type autoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
}

type preapprovalResource struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	ExternalReference string         `json:"external_reference"`
	PayerEmail        string         `json:"payer_email"`
	Reason            string         `json:"reason"`
	AutoRecurring     *autoRecurring `json:"auto_recurring"`
	DateCreated       string         `json:"date_created"`
}

type searchResponse[T any] struct {
	Results []T `json:"results"`
}

func (c *Client) FetchPayment(ctx context.Context, id string) (*provider.Payment, error) {
	var res paymentResource
	if err := c.get(ctx, "/v1/payments/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	p := res.toPayment()
	return &p, nil
}

func (c *Client) FetchSubscription(ctx context.Context, id string) (*provider.Subscription, error) {
	var res preapprovalResource
	if err := c.get(ctx, "/preapproval/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	s := res.toSubscription()
	return &s, nil
}

func (c *Client) SearchPayments(ctx context.Context, q provider.SearchQuery) ([]provider.Payment, error) {
	params := url.Values{}
	params.Set("external_reference", q.ExternalReference)
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	params.Set("sort", "date_created")
	params.Set("criteria", "desc")

	var res searchResponse[paymentResource]
	if err := c.get(ctx, "/v1/payments/search", params, &res); err != nil {
		return nil, err
	}

	payments := make([]provider.Payment, 0, len(res.Results))
	for _, r := range res.Results {
		payments = append(payments, r.toPayment())
	}
	return payments, nil
}

func (c *Client) SearchSubscriptions(ctx context.Context, q provider.SearchQuery) ([]provider.Subscription, error) {
	params := url.Values{}
	params.Set("external_reference", q.ExternalReference)
	if q.Status != "" {
		params.Set("status", q.Status)
	}

	var res searchResponse[preapprovalResource]
	if err := c.get(ctx, "/preapproval/search", params, &res); err != nil {
		return nil, err
	}

	subs := make([]provider.Subscription, 0, len(res.Results))
	for _, r := range res.Results {
		subs = append(subs, r.toSubscription())
	}
	return subs, nil
}

// get performs one API read, retrying network errors, 429 and 5xx with
// exponential backoff. 404 maps to provider.ErrNotFound; every other failure
// wraps models.ErrProviderUnavailable.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(provider.ErrNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("mercadopago %s: status %d", path, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode > 299:
			return backoff.Permanent(fmt.Errorf("%w: mercadopago %s: status %d", models.ErrProviderUnavailable, path, resp.StatusCode))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode %s: %v", models.ErrProviderUnavailable, path, err))
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInterval
	b.MaxElapsedTime = 0

	notify := func(err error, wait time.Duration) {
		logger.Warn("Mercado Pago request failed, retrying", logger.Fields{
			"path":    path,
			"attempt": attempt,
			"error":   err.Error(),
			"wait_ms": wait.Milliseconds(),
		})
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx), notify)
	if err == nil {
		return nil
	}
	if errors.Is(err, provider.ErrNotFound) || errors.Is(err, models.ErrProviderUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
}

func (r paymentResource) toPayment() provider.Payment {
	p := provider.Payment{
		ID:                r.ID.String(),
		Status:            r.Status,
		ExternalReference: strings.TrimSpace(r.ExternalReference),
		Amount:            r.TransactionAmount,
		Description:       r.Description,
		DateCreated:       parseTime(r.DateCreated),
	}
	if r.Payer != nil {
		p.PayerEmail = r.Payer.Email
	}
	if len(r.Metadata) > 0 {
		p.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			if s, ok := v.(string); ok {
				p.Metadata[k] = s
			} else if v != nil {
				p.Metadata[k] = fmt.Sprint(v)
			}
		}
	}
	return p
}

func (r preapprovalResource) toSubscription() provider.Subscription {
	s := provider.Subscription{
		ID:                r.ID,
		Status:            r.Status,
		ExternalReference: strings.TrimSpace(r.ExternalReference),
		PayerEmail:        r.PayerEmail,
		DateCreated:       parseTime(r.DateCreated),
	}
	if r.Reason != "" {
		s.Metadata = map[string]string{"reason": r.Reason}
	}
	if r.AutoRecurring != nil {
		s.Frequency = r.AutoRecurring.Frequency
		s.FrequencyType = r.AutoRecurring.FrequencyType
		s.Amount = r.AutoRecurring.TransactionAmount
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

func parseTime(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
