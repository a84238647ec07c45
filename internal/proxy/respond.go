package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/agentguard/agentguard/internal/scan"
)

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

// respondBlocked writes the structured rejection for a policy block so SDKs
// can tell it apart from an infrastructure failure.
func respondBlocked(w http.ResponseWriter, statusCode int, code, message string, dir scan.Direction, v scan.Verdict, eventID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderBlocked, string(dir))
	if eventID != "" {
		w.Header().Set(HeaderEventID, eventID)
	}
	w.WriteHeader(statusCode)

	errBody := map[string]any{
		"code":      code,
		"message":   message,
		"type":      "agentguard_policy",
		"direction": dir,
	}
	if v.IsThreat {
		errBody["risk_score"] = v.RiskScore
		errBody["threat_type"] = v.ThreatType
		errBody["matched_rule_ids"] = v.MatchedRuleIDs
	}
	resp := map[string]any{"error": errBody}
	if eventID != "" {
		resp["event_id"] = eventID
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// blockedFrame is sent to a WebSocket agent in place of a dropped frame.
func blockedFrame(code, message string, dir scan.Direction, v scan.Verdict, eventID string) []byte {
	frame := map[string]any{
		"type":      "agentguard.blocked",
		"code":      code,
		"message":   message,
		"direction": dir,
	}
	if v.IsThreat {
		frame["risk_score"] = v.RiskScore
		frame["threat_type"] = v.ThreatType
		frame["matched_rule_ids"] = v.MatchedRuleIDs
	}
	if eventID != "" {
		frame["event_id"] = eventID
	}
	data, _ := json.Marshal(frame)
	return data
}
