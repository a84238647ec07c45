package alert

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentguard/agentguard/internal/config"
	"github.com/agentguard/agentguard/internal/store"
)

// mockSender records every alert it is asked to send.
type mockSender struct {
	name string
	mu   sync.Mutex
	sent []Alert
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, alert)
	return nil
}

func (m *mockSender) alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.sent...)
}

func newTestManager() (*Manager, *mockSender) {
	m := NewManager(config.AlertsConfig{}, nil)
	mock := &mockSender{name: "mock"}
	m.AddSender(mock)
	return m, mock
}

func TestNewManager(t *testing.T) {
	tests := []struct {
		name            string
		config          config.AlertsConfig
		expectedSenders int
	}{
		{"no senders configured", config.AlertsConfig{}, 0},
		{"only slack configured", config.AlertsConfig{Slack: config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"}}, 1},
		{"only webhook configured", config.AlertsConfig{Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"}}, 1},
		{"both configured", config.AlertsConfig{
			Slack:   config.SlackAlertConfig{WebhookURL: "https://hooks.slack.com/test"},
			Webhook: config.WebhookAlertConfig{URL: "https://example.com/hook"},
		}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.config, nil)
			if len(m.senders) != tt.expectedSenders {
				t.Errorf("expected %d senders, got %d", tt.expectedSenders, len(m.senders))
			}
			if m.HasSenders() != (tt.expectedSenders > 0) {
				t.Errorf("HasSenders() = %v", m.HasSenders())
			}
			if m.dedupTTL != 5*time.Minute {
				t.Errorf("expected dedupTTL to be 5 minutes, got %v", m.dedupTTL)
			}
		})
	}
}

func TestManager_SendDeduplicates(t *testing.T) {
	m, mock := newTestManager()

	a := Alert{Type: "prompt_injection", Severity: "critical", Provider: "openai", Direction: "input"}
	m.Send(a)
	m.Send(a)
	m.Send(Alert{Type: "prompt_injection", Provider: "openai", Direction: "output"})
	m.Send(Alert{Type: "prompt_injection", Provider: "anthropic", Direction: "input"})
	m.Wait()

	got := mock.alerts()
	if len(got) != 3 {
		t.Fatalf("sent %d alerts, want 3 (one duplicate suppressed)", len(got))
	}
	for _, a := range got {
		if a.Timestamp.IsZero() {
			t.Error("timestamp should be set")
		}
	}
}

func TestManager_ConcurrentSend(t *testing.T) {
	m, mock := newTestManager()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Send(Alert{Type: "pii", Provider: "openai", Direction: "output"})
		}()
	}
	wg.Wait()
	m.Wait()

	if n := len(mock.alerts()); n != 1 {
		t.Errorf("expected 1 call due to deduplication, got %d", n)
	}
}

func TestManager_PruneDedup(t *testing.T) {
	m, mock := newTestManager()
	m.dedupTTL = time.Millisecond

	m.Send(Alert{Type: "pii"})
	time.Sleep(5 * time.Millisecond)
	m.PruneDedup()

	m.mu.Lock()
	remaining := len(m.dedup)
	m.mu.Unlock()
	if remaining != 0 {
		t.Errorf("dedup entries after prune = %d, want 0", remaining)
	}

	m.Send(Alert{Type: "pii"})
	m.Wait()
	if n := len(mock.alerts()); n != 2 {
		t.Errorf("sent %d alerts, want 2 after dedup window expired", n)
	}
}

func TestManager_NotifyEvent(t *testing.T) {
	m, mock := newTestManager()

	m.NotifyEvent(&store.Event{
		ID: "01HX", Provider: "openai", Direction: "input", Outcome: store.OutcomeThreat,
		Blocked: true, RiskScore: 95, ThreatType: "prompt_injection", MatchedRuleIDs: []string{"pi.ignore_instructions"},
	})
	m.NotifyEvent(&store.Event{Provider: "openai", Direction: "output", Outcome: store.OutcomeScanSkipped})
	m.NotifyEvent(&store.Event{Provider: "anthropic", Direction: "input", Outcome: store.OutcomeScanFailedClosed})
	m.Wait()

	got := mock.alerts()
	if len(got) != 2 {
		t.Fatalf("sent %d alerts, want 2 (skipped scans are not alerted)", len(got))
	}
	var threat *Alert
	for i := range got {
		if got[i].Type == "prompt_injection" {
			threat = &got[i]
		}
	}
	if threat == nil {
		t.Fatal("no prompt_injection alert")
	}
	if threat.Severity != "critical" || threat.EventID != "01HX" || threat.Title != "Threat blocked: prompt_injection" {
		t.Errorf("threat alert = %+v", threat)
	}
	if threat.RiskScore != 95 || !threat.Blocked || len(threat.Rules) != 1 || threat.Rules[0] != "pi.ignore_instructions" {
		t.Errorf("threat context = %+v", threat)
	}
}

func TestWebhookSender_Signs(t *testing.T) {
	var (
		gotSig, gotTS string
		gotBody       []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-AgentGuard-Signature")
		gotTS = r.Header.Get("X-AgentGuard-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := NewWebhookSender(config.WebhookAlertConfig{URL: srv.URL, Secret: "s3cret"})
	a := Alert{Type: "pii", Severity: "warning", Timestamp: time.Unix(1700000000, 0)}
	if err := s.Send(a); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if gotTS != "1700000000" {
		t.Errorf("timestamp header = %q", gotTS)
	}
	if want := "sha256=" + Sign([]byte("s3cret"), gotTS, gotBody); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	var decoded Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded.Type != "pii" {
		t.Errorf("body = %s (%v)", gotBody, err)
	}
}

func TestSlackSender_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL})
	if err := s.Send(Alert{Type: "pii", Severity: "critical"}); err == nil {
		t.Error("Send() should fail on 403")
	}
}

func TestSlackSender_ThreatMessage(t *testing.T) {
	var got slackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode slack payload: %v", err)
		}
	}))
	defer srv.Close()

	s := NewSlackSender(config.SlackAlertConfig{WebhookURL: srv.URL, Channel: "#security"})
	err := s.Send(Alert{
		Type: "prompt_injection", Severity: "critical",
		Title: "Threat blocked: prompt_injection", Message: "openai input traffic matched pi.ignore_instructions (risk 95)",
		Provider: "openai", Direction: "input", EventID: "01HX", Timestamp: time.Unix(1700000000, 0),
		RiskScore: 95, Blocked: true, Rules: []string{"pi.ignore_instructions"},
		Model: "gpt-4o", Path: "/v1/chat/completions",
	})
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if got.Channel != "#security" || !strings.Contains(got.Text, "blocked prompt_injection") {
		t.Errorf("channel = %q, text = %q", got.Channel, got.Text)
	}
	if len(got.Blocks) != 3 {
		t.Fatalf("blocks = %d, want 3", len(got.Blocks))
	}
	if head := got.Blocks[0].Text.Text; !strings.Contains(head, "▰▰▰▰▰") {
		t.Errorf("headline = %q, want a full risk bar", head)
	}
	var fields []string
	for _, f := range got.Blocks[1].Fields {
		fields = append(fields, f.Text)
	}
	joined := strings.Join(fields, "\n")
	for _, want := range []string{"blocked", "openai input", "95/100", "`pi.ignore_instructions`", "`gpt-4o`", "`/v1/chat/completions`"} {
		if !strings.Contains(joined, want) {
			t.Errorf("fields missing %q:\n%s", want, joined)
		}
	}
	if ctx := got.Blocks[2].Elements; len(ctx) == 0 || !strings.Contains(ctx[0].Text, "01HX") {
		t.Errorf("context = %+v, want the event id", ctx)
	}
}

func TestBuildSlackMessage_ScannerUnavailable(t *testing.T) {
	msg := buildSlackMessage("", Alert{
		Type: "scanner_unavailable", Severity: "warning", Title: "Scanner unavailable, traffic rejected",
		Provider: "anthropic", Direction: "input", Blocked: true,
	})
	for _, f := range msg.Blocks[1].Fields {
		if strings.Contains(f.Text, "*Risk*") || strings.Contains(f.Text, "*Rules*") {
			t.Errorf("scanner alert carries threat field %q", f.Text)
		}
	}
	if riskBar(0) != "" || riskBar(41) != "▰▰▰▱▱" {
		t.Errorf("riskBar(0) = %q, riskBar(41) = %q", riskBar(0), riskBar(41))
	}
}
