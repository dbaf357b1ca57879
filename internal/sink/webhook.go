package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Webhook delivers event payloads to the backend API. Every payload is
// tagged with the owning account's phone number before serialization.
type Webhook struct {
	baseURL string
	account string
	client  *http.Client
}

func NewWebhook(baseURL, accountPhone string) *Webhook {
	return &Webhook{
		baseURL: baseURL,
		account: accountPhone,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *Webhook) Post(ctx context.Context, path string, payload map[string]any) error {
	return w.do(ctx, http.MethodPost, path, payload)
}

func (w *Webhook) Patch(ctx context.Context, path string, payload map[string]any) error {
	return w.do(ctx, http.MethodPatch, path, payload)
}

func (w *Webhook) do(ctx context.Context, method, path string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["account"] = w.account

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, w.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: unexpected status code: %d body=%q", method, path, resp.StatusCode, string(respBody))
	}
	return nil
}
