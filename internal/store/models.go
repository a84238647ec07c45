package store

import (
	"time"
)

// Outcome is why an event was recorded.
type Outcome string

const (
	OutcomeThreat           Outcome = "threat"
	OutcomeScanSkipped      Outcome = "scan_skipped"
	OutcomeScanFailedClosed Outcome = "scan_failed_closed"
)

// Event is one persisted scan result worth keeping: a threat verdict, or a
// message that could not be scanned.
type Event struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Provider       string    `json:"provider"`
	Direction      string    `json:"direction"`
	Outcome        Outcome   `json:"outcome"`
	Blocked        bool      `json:"blocked"`
	RiskScore      int       `json:"risk_score"`
	ThreatType     string    `json:"threat_type,omitempty"`
	MatchedRuleIDs []string  `json:"matched_rule_ids,omitempty"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	Integration    string    `json:"integration,omitempty"`
	Path           string    `json:"path,omitempty"`
	Model          string    `json:"model,omitempty"`
	Excerpt        string    `json:"excerpt,omitempty"`
	PrevHash       string    `json:"prev_hash"`
	Hash           string    `json:"hash"`
}

// EventFilter narrows ListEvents.
type EventFilter struct {
	Provider  string
	Direction string
	Outcome   Outcome
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Settings is the block policy the proxy reads on every request.
type Settings struct {
	BlockThreats     bool `json:"block_threats"`
	ScanLLMResponses bool `json:"scan_llm_responses"`
}

// ChainResult reports the outcome of a hash chain verification.
type ChainResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt string `json:"broken_at,omitempty"` // event id
}

// Stats are aggregate event counts for the dashboard.
type Stats struct {
	TotalEvents  int64 `json:"total_events"`
	Threats      int64 `json:"threats"`
	Blocked      int64 `json:"blocked"`
	ScansSkipped int64 `json:"scans_skipped"`
}
