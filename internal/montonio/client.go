package montonio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client requests hosted payment links from the Montonio gateway.
type Client struct {
	HTTP *http.Client
	Now  func() time.Time
}

// CreatePaymentLink signs the request payload with the credential pair and
// posts it to the gateway. It returns the hosted payment URL the shopper is
// redirected to. Failures are terminal: link creation carries a merchant
// reference that may already exist upstream, so the call is never retried.
func (c *Client) CreatePaymentLink(ctx context.Context, creds Credentials, link PaymentLink) (string, error) {
	if c.HTTP == nil {
		return "", fmt.Errorf("montonio: http client not configured")
	}
	token, err := SignPaymentLink(link, creds.SigningSecret, c.now())
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]string{"data": token})
	if err != nil {
		return "", fmt.Errorf("montonio: marshal payment-link body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.BaseURL+"/payment-links", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("montonio: build payment-link request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("montonio: payment-link request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("montonio: payment-links answered %d", resp.StatusCode)
	}
	var parsed struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("montonio: decode payment-link response: %w", err)
	}
	if parsed.URL == "" {
		return "", fmt.Errorf("montonio: payment-link response missing url")
	}
	return parsed.URL, nil
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
