package policy

import (
	"regexp"
	"strings"
)

type PromptDecision struct {
	Risk    string
	Blocked bool
	Reason  string
}

var (
	blockedPromptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	highRiskKeywords = []string{
		"delete", "remove", "drop", "truncate", "wipe", "destroy",
		"shutdown", "reboot", "kill", "terminate",
		"chmod", "chown", "sudo", "deploy", "push", "merge", "migrate",
	}
)

// DecidePrompt screens a sub-agent prompt before launch. Only blocked
// prompts are refused; high risk prompts are allowed and labelled.
func DecidePrompt(prompt string) PromptDecision {
	in := strings.ToLower(strings.TrimSpace(prompt))
	if in == "" {
		return PromptDecision{Risk: "low"}
	}

	for _, re := range blockedPromptPatterns {
		if re.MatchString(in) {
			return PromptDecision{
				Risk:    "blocked",
				Blocked: true,
				Reason:  "prompt appears to include destructive or secret-exfiltration behavior",
			}
		}
	}

	for _, kw := range highRiskKeywords {
		if strings.Contains(in, kw) {
			return PromptDecision{Risk: "high"}
		}
	}
	return PromptDecision{Risk: "low"}
}

// AgentAllowed reports whether agent may be launched. An empty allow list
// permits every agent; matching is case-insensitive.
func AgentAllowed(agent string, allowed []string) bool {
	agent = strings.ToLower(strings.TrimSpace(agent))
	if agent == "" {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimSpace(candidate)) == agent {
			return true
		}
	}
	return false
}

// ParseAllowList splits a comma separated agent list.
func ParseAllowList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
