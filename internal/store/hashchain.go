package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// genesisHash is the prev_hash of the first event.
var genesisHash = ComputeSeed("agentguard.events")

// ComputeHash returns the SHA-256 of an event's content chained to PrevHash.
func ComputeHash(e *Event) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%t|%d|%s|%s|%s|%s|%s|%s|%s|%s",
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Provider,
		e.Direction,
		string(e.Outcome),
		e.Blocked,
		e.RiskScore,
		e.ThreatType,
		strings.Join(e.MatchedRuleIDs, ","),
		e.SkipReason,
		e.Integration,
		e.Path,
		e.Model,
		e.Excerpt,
		e.PrevHash,
	)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

// ComputeSeed hashes a fixed label into a starting prev_hash.
func ComputeSeed(label string) string {
	hash := sha256.Sum256([]byte(label))
	return hex.EncodeToString(hash[:])
}

// VerifyChain walks events in insertion order and checks every hash and
// every link. It returns the index of the first bad event, or -1.
func VerifyChain(events []*Event) (bool, int) {
	for i, e := range events {
		if e.Hash != ComputeHash(e) {
			return false, i
		}
		if i > 0 && e.PrevHash != events[i-1].Hash {
			return false, i
		}
	}
	return true, -1
}
