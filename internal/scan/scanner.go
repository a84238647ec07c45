// Package scan decides whether a piece of LLM traffic is a threat. It
// provides the Scanner contract, a local rule engine, an HTTP client for a
// remote detection service and the Gate that applies timeouts and the
// fail-open / fail-closed policy around any Scanner.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/agentguard/agentguard/internal/config"
)

// Direction says which way a message travels through the proxy.
type Direction string

const (
	DirectionInput  Direction = "input"  // agent → LLM
	DirectionOutput Direction = "output" // LLM → agent
)

// Verdict is a scanner's answer for one message.
type Verdict struct {
	IsThreat       bool     `json:"is_threat"`
	RiskScore      int      `json:"risk_score"`
	ThreatType     string   `json:"threat_type,omitempty"`
	MatchedRuleIDs []string `json:"matched_rule_ids,omitempty"`
}

// Scanner classifies text. Implementations must be safe for concurrent use.
type Scanner interface {
	Scan(ctx context.Context, text string, dir Direction) (Verdict, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, text string, dir Direction) (Verdict, error)

func (f ScannerFunc) Scan(ctx context.Context, text string, dir Direction) (Verdict, error) {
	return f(ctx, text, dir)
}

// Rule is one compiled detection rule.
type Rule struct {
	ID         string
	ThreatType string
	Severity   string
	Directions []Direction

	re   *regexp.Regexp
	expr *celRule
}

func (r *Rule) appliesTo(dir Direction) bool {
	for _, d := range r.Directions {
		if d == dir {
			return true
		}
	}
	return false
}

func (r *Rule) match(text, lower string, dir Direction) (bool, error) {
	if r.re != nil {
		return r.re.MatchString(lower) || r.re.MatchString(text), nil
	}
	if r.expr != nil {
		return r.expr.eval(text, dir)
	}
	return false, nil
}

// RuleScanner is the local detection engine. Builtin rules cover prompt
// injection on input, secret leakage on output and PII both ways; extra
// rules come from config and can be replaced at runtime.
type RuleScanner struct {
	mu        sync.RWMutex
	rules     []*Rule
	threshold int
	cel       *celCompiler
	logger    *slog.Logger
}

// NewRuleScanner compiles the builtin rules plus the configured ones.
func NewRuleScanner(cfg config.ScannerConfig, logger *slog.Logger) (*RuleScanner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cc, err := newCELCompiler()
	if err != nil {
		return nil, err
	}
	s := &RuleScanner{
		cel:    cc,
		logger: logger.With("component", "scan.RuleScanner"),
	}
	if err := s.SetRules(cfg.Threshold, cfg.Rules); err != nil {
		return nil, err
	}
	return s, nil
}

// SetRules replaces the custom rules and threshold. On error the previous
// rule set stays active.
func (s *RuleScanner) SetRules(threshold int, custom []config.RuleConfig) error {
	rules, err := compileBuiltin()
	if err != nil {
		return err
	}
	for _, rc := range custom {
		r, err := s.compileCustom(rc)
		if err != nil {
			return err
		}
		rules = append(rules, r)
	}
	if threshold <= 0 {
		threshold = 50
	}

	s.mu.Lock()
	s.rules = rules
	s.threshold = threshold
	s.mu.Unlock()

	s.logger.Info("scanner rules loaded", "rules", len(rules), "custom", len(custom), "threshold", threshold)
	return nil
}

// Rules returns the IDs of the active rules.
func (s *RuleScanner) Rules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.rules))
	for i, r := range s.rules {
		ids[i] = r.ID
	}
	return ids
}

// Scan evaluates every rule for dir. The risk score is the highest matched
// severity, bumped by 5 for each additional match.
func (s *RuleScanner) Scan(ctx context.Context, text string, dir Direction) (Verdict, error) {
	if text == "" {
		return Verdict{}, nil
	}

	s.mu.RLock()
	rules, threshold := s.rules, s.threshold
	s.mu.RUnlock()

	lower := strings.ToLower(text)

	var (
		matched  []string
		top      *Rule
		evalErrs []error
	)
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return Verdict{}, err
		}
		if !r.appliesTo(dir) {
			continue
		}
		ok, err := r.match(text, lower, dir)
		if err != nil {
			evalErrs = append(evalErrs, err)
			continue
		}
		if !ok {
			continue
		}
		matched = append(matched, r.ID)
		if top == nil || severityRank(r.Severity) > severityRank(top.Severity) {
			top = r
		}
	}

	if len(evalErrs) > 0 && len(matched) == 0 {
		return Verdict{}, fmt.Errorf("rule evaluation failed: %w", errors.Join(evalErrs...))
	}
	if top == nil {
		return Verdict{}, nil
	}

	score := riskScore(top.Severity) + 5*(len(matched)-1)
	if score > 100 {
		score = 100
	}
	sort.Strings(matched)

	v := Verdict{
		RiskScore:      score,
		MatchedRuleIDs: matched,
	}
	if score >= threshold {
		v.IsThreat = true
		v.ThreatType = top.ThreatType
	}
	return v, nil
}

func (s *RuleScanner) compileCustom(rc config.RuleConfig) (*Rule, error) {
	if rc.ID == "" {
		return nil, errors.New("scanner rule without id")
	}
	dirs, err := parseDirections(rc.Direction)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
	}
	sev := strings.ToLower(rc.Severity)
	if sev == "" {
		sev = "medium"
	}
	if severityRank(sev) == 0 {
		return nil, fmt.Errorf("rule %s: unknown severity %q", rc.ID, rc.Severity)
	}
	threatType := rc.ThreatType
	if threatType == "" {
		threatType = "custom"
	}

	r := &Rule{ID: rc.ID, ThreatType: threatType, Severity: sev, Directions: dirs}
	switch {
	case rc.Pattern != "" && rc.Condition != "":
		return nil, fmt.Errorf("rule %s: set pattern or condition, not both", rc.ID)
	case rc.Pattern != "":
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
		}
		r.re = re
	case rc.Condition != "":
		cr, err := s.cel.compile(rc.Condition)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rc.ID, err)
		}
		r.expr = cr
	default:
		return nil, fmt.Errorf("rule %s: pattern or condition is required", rc.ID)
	}
	return r, nil
}

func parseDirections(s string) ([]Direction, error) {
	switch strings.ToLower(s) {
	case "input":
		return []Direction{DirectionInput}, nil
	case "output":
		return []Direction{DirectionOutput}, nil
	case "", "both":
		return []Direction{DirectionInput, DirectionOutput}, nil
	default:
		return nil, fmt.Errorf("unknown direction %q", s)
	}
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}

func riskScore(severity string) int {
	switch severity {
	case "critical":
		return 95
	case "high":
		return 80
	case "medium":
		return 55
	case "low":
		return 30
	default:
		return 0
	}
}
