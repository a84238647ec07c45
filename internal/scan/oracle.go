package scan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// ErrMalformedVerdict is returned when the oracle answers with a verdict
// that cannot be trusted.
var ErrMalformedVerdict = errors.New("malformed scan verdict")

// OracleClient asks a remote detection service for verdicts.
//
// Request:  POST {url} {"text": "...", "direction": "input"}
// Response: {"is_threat": bool, "risk_score": 0-100, "threat_type": "...", "matched_rule_ids": [...]}
type OracleClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewOracleClient returns a client for the oracle at url. A nil client uses
// http.DefaultClient; timeouts come from the caller's context.
func NewOracleClient(url string, client *http.Client, logger *slog.Logger) *OracleClient {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OracleClient{
		url:    url,
		client: client,
		logger: logger.With("component", "scan.OracleClient"),
	}
}

type oracleRequest struct {
	Text      string    `json:"text"`
	Direction Direction `json:"direction"`
}

type oracleResponse struct {
	IsThreat       *bool    `json:"is_threat"`
	RiskScore      *int     `json:"risk_score"`
	ThreatType     *string  `json:"threat_type"`
	MatchedRuleIDs []string `json:"matched_rule_ids"`
}

// Scan implements Scanner.
func (c *OracleClient) Scan(ctx context.Context, text string, dir Direction) (Verdict, error) {
	payload, err := json.Marshal(oracleRequest{Text: text, Direction: dir})
	if err != nil {
		return Verdict{}, fmt.Errorf("marshal scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Verdict{}, fmt.Errorf("create scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("scan request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Verdict{}, fmt.Errorf("read scan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Verdict{}, fmt.Errorf("scanner returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var r oracleResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return Verdict{}, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if r.IsThreat == nil || r.RiskScore == nil {
		return Verdict{}, fmt.Errorf("%w: is_threat and risk_score are required", ErrMalformedVerdict)
	}
	if *r.RiskScore < 0 || *r.RiskScore > 100 {
		return Verdict{}, fmt.Errorf("%w: risk_score %d out of range", ErrMalformedVerdict, *r.RiskScore)
	}

	v := Verdict{
		IsThreat:       *r.IsThreat,
		RiskScore:      *r.RiskScore,
		MatchedRuleIDs: r.MatchedRuleIDs,
	}
	if r.ThreatType != nil {
		v.ThreatType = *r.ThreatType
	}
	return v, nil
}
