package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/agentguard/agentguard/internal/config"
)

// SlackSender posts threat summaries to a Slack incoming webhook using
// Block Kit.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender creates a Slack sender for the configured webhook.
func NewSlackSender(cfg config.SlackAlertConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

// slackMessage is the subset of the webhook payload AgentGuard uses.
type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"` // notification fallback
	Blocks  []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(format string, args ...any) slackText {
	return slackText{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

// Send posts one alert.
func (s *SlackSender) Send(alert Alert) error {
	body, err := json.Marshal(buildSlackMessage(s.channel, alert))
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func buildSlackMessage(channel string, a Alert) slackMessage {
	action := "detected"
	if a.Blocked {
		action = "blocked"
	}
	headline := fmt.Sprintf("%s %s %s", severityMark(a.Severity), a.Title, riskBar(a.RiskScore))

	fields := []slackText{
		mrkdwn("*Action*\n%s", action),
		mrkdwn("*Traffic*\n%s %s", orDash(a.Provider), orDash(a.Direction)),
	}
	if a.Type != "scanner_unavailable" {
		fields = append(fields,
			mrkdwn("*Risk*\n%d/100 (%s)", a.RiskScore, a.Severity),
			mrkdwn("*Rules*\n%s", codeList(a.Rules)),
		)
	}
	if a.Model != "" {
		fields = append(fields, mrkdwn("*Model*\n`%s`", a.Model))
	}
	if a.Path != "" {
		fields = append(fields, mrkdwn("*Path*\n`%s`", a.Path))
	}

	var ctx []slackText
	if a.EventID != "" {
		ctx = append(ctx, mrkdwn("event `%s`", a.EventID))
	}
	if a.Integration != "" {
		ctx = append(ctx, mrkdwn("integration %s", a.Integration))
	}
	ctx = append(ctx, mrkdwn("<!date^%d^{date_short_pretty} {time_secs}|%s>",
		a.Timestamp.Unix(), a.Timestamp.UTC().Format(time.RFC3339)))

	return slackMessage{
		Channel: channel,
		Text:    fmt.Sprintf("AgentGuard %s %s: %s", action, a.Type, a.Message),
		Blocks: []slackBlock{
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: "*" + headline + "*\n" + a.Message}},
			{Type: "section", Fields: fields},
			{Type: "context", Elements: ctx},
		},
	}
}

// riskBar renders a score as five blocks, e.g. ▰▰▰▰▱ for 80.
func riskBar(score int) string {
	if score <= 0 {
		return ""
	}
	filled := min((score+19)/20, 5)
	return strings.Repeat("▰", filled) + strings.Repeat("▱", 5-filled)
}

func severityMark(severity string) string {
	switch severity {
	case "critical":
		return ":rotating_light:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func codeList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return "`" + strings.Join(items, "`, `") + "`"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
