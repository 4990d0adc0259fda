package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	keyPattern   = regexp.MustCompile(`\b(?:sk|AIza|ghp|xox[bp])[-_A-Za-z0-9]{16,}\b`)
)

// RedactPII masks common high-risk PII patterns and API keys.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	next = keyPattern.ReplaceAllString(out, "[REDACTED_KEY]")
	changed = changed || next != out
	out = next

	// Card before phone, otherwise card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// PromptPreview returns a redacted, single-line prompt cut to at most
// maxRunes runes, for log lines.
func PromptPreview(prompt string, maxRunes int) string {
	out, _ := RedactPII(strings.Join(strings.Fields(prompt), " "))
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
