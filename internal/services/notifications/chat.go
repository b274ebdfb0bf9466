package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/campusbridge/partner-api/internal/utils"
	"github.com/google/uuid"
	svix "github.com/svix/svix-webhooks/go"
)

// ChatWebhook delivers events to the team chat integration as signed JSON
// POSTs. Receivers verify the svix-style signature headers before trusting
// the payload.
type ChatWebhook struct {
	url        string
	signer     *svix.Webhook
	httpClient *http.Client
}

func NewChatWebhook(url, secret string) (*ChatWebhook, error) {
	var signer *svix.Webhook
	if secret != "" {
		wh, err := svix.NewWebhook(secret)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize chat webhook signer: %w", err)
		}
		signer = wh
	}

	return &ChatWebhook{
		url:    url,
		signer: signer,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

func (w *ChatWebhook) Name() string {
	return "chat_webhook"
}

func (w *ChatWebhook) Send(ctx context.Context, event Event) error {
	buf := utils.Get()
	defer utils.Put(buf)

	if err := json.NewEncoder(buf).Encode(event); err != nil {
		return fmt.Errorf("failed to encode chat event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("failed to build chat webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if w.signer != nil {
		msgID := "msg_" + uuid.New().String()
		timestamp := time.Now().UTC()

		signature, err := w.signer.Sign(msgID, timestamp, buf.Bytes())
		if err != nil {
			return fmt.Errorf("failed to sign chat webhook payload: %w", err)
		}

		req.Header.Set("webhook-id", msgID)
		req.Header.Set("webhook-timestamp", fmt.Sprintf("%d", timestamp.Unix()))
		req.Header.Set("webhook-signature", signature)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chat webhook request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
	}

	return nil
}
