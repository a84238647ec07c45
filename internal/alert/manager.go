// Package alert delivers threat notifications to Slack and generic
// webhooks, deduplicating bursts of the same threat.
package alert

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/store"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type      string    `json:"type"`     // threat type, or scanner_unavailable
	Severity  string    `json:"severity"` // info, warning, critical
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Provider  string    `json:"provider,omitempty"`
	Direction string    `json:"direction,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	RiskScore   int      `json:"risk_score,omitempty"`
	Blocked     bool     `json:"blocked"`
	Rules       []string `json:"rules,omitempty"`
	Model       string   `json:"model,omitempty"`
	Path        string   `json:"path,omitempty"`
	Integration string   `json:"integration,omitempty"`
}

// Manager orchestrates alert delivery with deduplication.
type Manager struct {
	mu       sync.Mutex
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	inflight sync.WaitGroup
	logger   *slog.Logger
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a new alert manager with the configured senders.
func NewManager(cfg config.AlertsConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		logger:   logger.With("component", "alert.Manager"),
	}

	if cfg.Slack.WebhookURL != "" {
		m.senders = append(m.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		m.senders = append(m.senders, NewWebhookSender(cfg.Webhook))
	}
	return m
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	m.senders = append(m.senders, s)
	m.mu.Unlock()
}

// Send dispatches an alert to all configured channels. Alerts with the same
// type, provider and direction are sent at most once per dedup window.
func (m *Manager) Send(alert Alert) {
	alert.Timestamp = time.Now()

	dedupKey := alert.Type + "|" + alert.Provider + "|" + alert.Direction
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return
	}
	m.dedup[dedupKey] = time.Now()
	senders := append([]Sender(nil), m.senders...)
	m.mu.Unlock()

	for _, sender := range senders {
		m.inflight.Add(1)
		go func(s Sender) {
			defer m.inflight.Done()
			if err := s.Send(alert); err != nil {
				m.logger.Error("failed to send alert",
					"sender", s.Name(),
					"type", alert.Type,
					"error", err,
				)
			}
		}(sender)
	}
}

// NotifyEvent turns a recorded event into an alert.
func (m *Manager) NotifyEvent(e *store.Event) {
	switch e.Outcome {
	case store.OutcomeThreat:
		action := "detected"
		if e.Blocked {
			action = "blocked"
		}
		m.Send(Alert{
			Type:      e.ThreatType,
			Severity:  threatSeverity(e.RiskScore),
			Title:     fmt.Sprintf("Threat %s: %s", action, e.ThreatType),
			Message:   fmt.Sprintf("%s %s traffic matched %s (risk %d)", e.Provider, e.Direction, strings.Join(e.MatchedRuleIDs, ", "), e.RiskScore),
			Provider:  e.Provider,
			Direction: e.Direction,
			EventID:   e.ID,

			RiskScore:   e.RiskScore,
			Blocked:     e.Blocked,
			Rules:       e.MatchedRuleIDs,
			Model:       e.Model,
			Path:        e.Path,
			Integration: e.Integration,
		})
	case store.OutcomeScanFailedClosed:
		m.Send(Alert{
			Type:      "scanner_unavailable",
			Severity:  "warning",
			Title:     "Scanner unavailable, traffic rejected",
			Message:   fmt.Sprintf("%s %s request rejected because the scanner did not answer", e.Provider, e.Direction),
			Provider:  e.Provider,
			Direction: e.Direction,
			EventID:   e.ID,
			Blocked:   true,
			Model:     e.Model,
			Path:      e.Path,
		})
	}
}

// Wait blocks until in-flight deliveries finish.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}

func threatSeverity(risk int) string {
	switch {
	case risk >= 90:
		return "critical"
	case risk >= 50:
		return "warning"
	default:
		return "info"
	}
}
