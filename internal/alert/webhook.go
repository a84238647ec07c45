package alert

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/agentguard/agentguard/internal/config"
)

// WebhookSender posts alerts as JSON to a generic endpoint. With a secret
// configured, each request carries X-AgentGuard-Timestamp and an
// X-AgentGuard-Signature of "sha256=" + HMAC-SHA256(secret, timestamp + "." + body).
type WebhookSender struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSender creates a new generic webhook sender.
func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

func (w *WebhookSender) Send(alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentGuard/1.0")
	req.Header.Set("X-AgentGuard-Event", alert.Type)

	if w.secret != "" {
		ts := strconv.FormatInt(alert.Timestamp.Unix(), 10)
		req.Header.Set("X-AgentGuard-Timestamp", ts)
		req.Header.Set("X-AgentGuard-Signature", "sha256="+Sign([]byte(w.secret), ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC a receiver should compare against.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
