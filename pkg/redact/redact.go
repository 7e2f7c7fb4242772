package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

// rules run in order; policy identifiers must mask before the phone
// rule can claim their digit runs.
var rules = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`), "[REDACTED_EMAIL]"},
	// Policy identifiers: short alpha prefix + long digit run, or a
	// bare 8-12 digit account number.
	{regexp.MustCompile(`\b[A-Za-z]{2,3}-?\d{6,10}\b|\b\d{8,12}\b`), "[REDACTED_POLICY]"},
	{regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`), "[REDACTED_PHONE]"},
}

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) { enabled.Store(v) }

// Enabled returns true when redaction is active.
func Enabled() bool { return enabled.Load() }

// Text masks emails, phone numbers and policy identifiers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	for _, r := range rules {
		in = r.re.ReplaceAllString(in, r.mask)
	}
	return in
}
