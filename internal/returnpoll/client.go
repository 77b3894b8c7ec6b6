package returnpoll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dspaving.app/licensing/models"
)

// Client polls a running licensing server over HTTP. It implements both
// StatusSource and Fallback.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type licenseView struct {
	Status models.Status `json:"status"`
}

type checkResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *licenseView `json:"data,omitempty"`
}

func (c *Client) LicenseStatus(ctx context.Context, userID string) (models.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/licenses/"+url.PathEscape(userID), nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("license read: status %d", resp.StatusCode)
	}

	var view licenseView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return "", fmt.Errorf("license read: %w", err)
	}
	return view.Status, nil
}

func (c *Client) ManualCheck(ctx context.Context, userID string) (models.Status, error) {
	body, err := json.Marshal(map[string]string{"user_id": userID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v1/payments/check", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("manual check: status %d: %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK && out.Success && out.Data != nil:
		return out.Data.Status, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", models.ErrNoPaymentFound, out.Message)
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: %s", models.ErrProviderUnavailable, out.Message)
	default:
		return "", fmt.Errorf("manual check: status %d: %s", resp.StatusCode, out.Message)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
