package policy

import "regexp"

// PIIKind names a class of personal data masked before turns are archived.
type PIIKind string

const (
	PIIEmail PIIKind = "email"
	PIICard  PIIKind = "card"
	PIIPhone PIIKind = "phone"
)

type redactionRule struct {
	kind    PIIKind
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card numbers would otherwise match the phone pattern.
var redactionRules = []redactionRule{
	{kind: PIIEmail, pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{kind: PIICard, pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{kind: PIIPhone, pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), marker: "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns in transcript text.
func RedactPII(input string) (redacted string, changed bool) {
	out, kinds := RedactPIIKinds(input)
	return out, len(kinds) > 0
}

// RedactPIIKinds is RedactPII that also reports which kinds were found.
func RedactPIIKinds(input string) (string, []PIIKind) {
	out := input
	var kinds []PIIKind
	for _, rule := range redactionRules {
		next := rule.pattern.ReplaceAllString(out, rule.marker)
		if next != out {
			kinds = append(kinds, rule.kind)
			out = next
		}
	}
	return out, kinds
}
