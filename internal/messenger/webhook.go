package messenger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNoWebhook is returned when a webhook send has no URL to post to.
var ErrNoWebhook = fmt.Errorf("%w: no webhook url configured", ErrDelivery)

// WebhookOptions configures WebhookClient.
type WebhookOptions struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// WebhookClient posts to a POPO custom-robot webhook. A webhook is bound to
// one chat, so the receiver passed to Send is not part of the request.
type WebhookClient struct {
	http *http.Client
	now  func() time.Time
}

func NewWebhookClient(opts WebhookOptions) *WebhookClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &WebhookClient{http: client, now: now}
}

type webhookRequest struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	SignData  string `json:"signData,omitempty"`
}

// Send converts markdown images and posts message to creds.WebhookURL,
// signing it when creds.WebhookSecret is set.
func (c *WebhookClient) Send(ctx context.Context, creds Credentials, _ string, message string) error {
	url := strings.TrimSpace(creds.WebhookURL)
	if url == "" {
		return ErrNoWebhook
	}
	if !creds.KeepMarkdownImages {
		message = ConvertImages(message)
	}

	body := webhookRequest{Message: message}
	if creds.WebhookSecret != "" {
		timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)
		body.Timestamp = timestamp
		body.SignData = WebhookSignature(timestamp, creds.WebhookSecret)
	}

	if _, err := postJSON(ctx, c.http, url, body, ""); err != nil {
		return fmt.Errorf("send to webhook: %w", err)
	}
	return nil
}

// WebhookSignature is base64(HMAC-SHA256) keyed by "<timestamp>\n<secret>"
// over an empty message.
func WebhookSignature(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(timestamp+"\n"+secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Switch sends through Webhook when the credentials carry a webhook URL and
// through API otherwise.
type Switch struct {
	API     Messenger
	Webhook Messenger
}

func (s Switch) Send(ctx context.Context, creds Credentials, receiver, message string) error {
	if strings.TrimSpace(creds.WebhookURL) != "" {
		if s.Webhook == nil {
			return fmt.Errorf("%w: webhook delivery is not configured", ErrDelivery)
		}
		return s.Webhook.Send(ctx, creds, receiver, message)
	}
	if s.API == nil {
		return fmt.Errorf("%w: robot api delivery is not configured", ErrDelivery)
	}
	return s.API.Send(ctx, creds, receiver, message)
}
