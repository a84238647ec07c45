package scan

import (
	"fmt"
	"regexp"
)

type builtinRule struct {
	id         string
	threatType string
	severity   string
	dirs       []Direction
	pattern    string
}

var (
	inputOnly  = []Direction{DirectionInput}
	outputOnly = []Direction{DirectionOutput}
	both       = []Direction{DirectionInput, DirectionOutput}
)

var builtinRules = []builtinRule{
	// Instruction override
	{"pi.ignore_instructions", "prompt_injection", "critical", inputOnly, `ignore\s+(all\s+)?(previous|prior|above)\s+instructions`},
	{"pi.disregard", "prompt_injection", "critical", inputOnly, `\bdisregard\s+(all\s+)?(previous|prior|safety)`},
	{"pi.system_override", "prompt_injection", "critical", inputOnly, `\bsystem\s*:\s*you\s+are\b`},
	{"pi.new_instructions", "prompt_injection", "high", inputOnly, `\bnew\s+instructions?\s*:`},
	{"pi.you_are_now", "prompt_injection", "high", inputOnly, `\byou\s+are\s+now\b`},
	{"pi.forget_rules", "prompt_injection", "high", inputOnly, `\bforget\s+(all\s+)?(your\s+)?rules\b`},
	{"pi.reveal_prompt", "prompt_injection", "high", inputOnly, `\b(reveal|print|show|repeat)\s+(your|the)\s+(system\s+)?prompt\b`},
	{"pi.jailbreak_dan", "jailbreak", "high", inputOnly, `\b(dan|developer)\s+mode\b|\bdo\s+anything\s+now\b`},

	// Hidden instructions
	{"pi.hidden_text", "prompt_injection", "medium", both, `\x{200B}|\x{200C}|\x{200D}|\x{FEFF}`},
	{"pi.base64_instruction", "prompt_injection", "medium", inputOnly, `\bbase64\s*:\s*[a-z0-9+/=]{20,}`},

	// Authority impersonation
	{"pi.admin_claim", "prompt_injection", "high", inputOnly, `\b(admin|administrator|developer|system\s+admin)\s+(says?|requests?|commands?|instructs?)`},
	{"pi.vendor_claim", "prompt_injection", "high", inputOnly, `\b(anthropic|openai|google)\s+(says?|instructs?|requires?)`},

	// Action directives
	{"pi.action_directive", "prompt_injection", "medium", inputOnly, `\b(execute|run|perform|do)\s+the\s+following\s*(command|action|task)s?`},
	{"pi.delete_all", "destructive_action", "high", both, `\bdelete\s+(all|every)\b`},

	// Exfiltration
	{"exfil.send_credentials", "data_exfiltration", "critical", both, `\b(send|post|upload|transmit|forward)\s+.{0,30}(data|info|credentials?|keys?|tokens?|passwords?)\s+to\b`},
	{"exfil.markdown_image", "data_exfiltration", "high", outputOnly, `!\[[^\]]*\]\(https?://[^)\s]+\?[^)\s]*=`},

	// Secret leakage
	{"leak.private_key", "data_leakage", "critical", outputOnly, `-----begin (rsa |ec |openssh |dsa )?private key-----`},
	{"leak.aws_access_key", "data_leakage", "critical", outputOnly, `\bAKIA[0-9A-Z]{16}\b`},
	{"leak.openai_key", "data_leakage", "critical", outputOnly, `\bsk-(proj-)?[A-Za-z0-9_\-]{20,}`},
	{"leak.anthropic_key", "data_leakage", "critical", outputOnly, `\bsk-ant-[a-z0-9_\-]{20,}`},
	{"leak.github_token", "data_leakage", "critical", outputOnly, `\bgh[pousr]_[A-Za-z0-9]{36}\b`},
	{"leak.password_assignment", "data_leakage", "high", outputOnly, `\b(password|passwd|secret)\s*[:=]\s*\S{6,}`},

	// PII
	{"pii.us_ssn", "pii", "high", both, `\b\d{3}-\d{2}-\d{4}\b`},
	{"pii.credit_card", "pii", "high", both, `\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2})[ -]?\d{4}[ -]?\d{4}[ -]?\d{3,4}\b`},
	{"pii.email", "pii", "low", both, `\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`},
}

func compileBuiltin() ([]*Rule, error) {
	rules := make([]*Rule, 0, len(builtinRules))
	for _, br := range builtinRules {
		re, err := regexp.Compile(br.pattern)
		if err != nil {
			return nil, fmt.Errorf("builtin rule %s: %w", br.id, err)
		}
		rules = append(rules, &Rule{
			ID:         br.id,
			ThreatType: br.threatType,
			Severity:   br.severity,
			Directions: br.dirs,
			re:         re,
		})
	}
	return rules, nil
}
