package tilda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Notification is the payment outcome shape Tilda expects at its custom
// payment endpoint. It is built only from a verified gateway outcome, never
// from raw order input.
type Notification struct {
	UUID              string `json:"uuid"`
	MerchantReference string `json:"merchant_reference"`
	Status            string `json:"status"`
	Amount            string `json:"amount"`
	Signature         string `json:"signature"`
}

// NotificationSignature computes the digest Tilda verifies on an inbound
// payment notification.
func NotificationSignature(id, merchantReference, status, secret string) string {
	return digestHex(id, merchantReference, status, secret)
}

// Notifier delivers payment notifications to the Tilda forms endpoint.
type Notifier struct {
	URL    string
	Client *http.Client
}

// Send posts the notification. Delivery is best effort: there is no retry and
// no queue, a transport failure or non-2xx answer is terminal for the flow.
func (n Notifier) Send(ctx context.Context, notification Notification) error {
	if n.Client == nil {
		return fmt.Errorf("tilda: notifier client not configured")
	}
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("tilda: marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("tilda: build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "payment-relay/1.0")
	req.Header.Set("X-Delivery-ID", uuid.NewString())

	resp, err := n.Client.Do(req)
	if err != nil {
		return fmt.Errorf("tilda: deliver notification: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tilda: notification endpoint answered %d", resp.StatusCode)
	}
	return nil
}
