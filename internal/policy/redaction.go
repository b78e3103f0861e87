package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
}

// Order matters: secrets and card numbers run before the looser phone
// pattern.
var redactionRules = []redactionRule{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks credentials and common high-risk PII before task text
// is archived.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}
