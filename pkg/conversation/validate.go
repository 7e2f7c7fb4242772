package conversation

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/errorsx"
)

// DefaultMaxInputChars bounds a single utterance. Longer input is
// rejected by ValidateInput and truncated by SanitizeInput.
const DefaultMaxInputChars = 1000

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<script[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)vbscript:`),
}

var (
	nameField    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z\s]{0,49}$`)
	emailField   = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	phoneField   = regexp.MustCompile(`^\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}$`)
	bareDigits   = regexp.MustCompile(`^\+?\d{7,15}$`)
	policyChars  = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
	inquiryTypes = map[string]bool{
		"support": true, "sales": true, "general": true,
		"claim": true, "policy": true, "quote": true,
	}
)

// ValidateInput rejects input the pipeline should never see: empty,
// oversized, injection-shaped, or gibberish. A nil return means the
// text is safe to process after SanitizeInput.
func ValidateInput(text string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return errorsx.New(errorsx.ReasonInputEmpty, "empty input")
	}
	runes := []rune(cleaned)
	if len(runes) > maxChars {
		return errorsx.New(errorsx.ReasonInputTooLong, "input is %d chars, cap %d", len(runes), maxChars)
	}
	for _, p := range suspiciousPatterns {
		if p.MatchString(cleaned) {
			return errorsx.New(errorsx.ReasonInputMalformed, "suspicious pattern %q", p.String())
		}
	}

	special := 0
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsNumber(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if special*2 > len(runes) {
		return errorsx.New(errorsx.ReasonInputMalformed, "excessive special characters")
	}

	if len(runes) > 10 {
		unique := map[rune]bool{}
		for _, r := range runes {
			unique[unicode.ToLower(r)] = true
		}
		if len(unique) < 3 {
			return errorsx.New(errorsx.ReasonInputMalformed, "repeated character spam")
		}
	}
	return nil
}

// RejectionMessage maps a ValidateInput error to the text spoken back
// to the user. Rejections are conversational, never raw errors.
func RejectionMessage(err error) string {
	switch errorsx.Reason(err) {
	case errorsx.ReasonInputTooLong:
		return "Message is too long. Please keep it under 1000 characters."
	case errorsx.ReasonInputMalformed:
		return "Invalid input detected. Please enter a normal message."
	default:
		return "Unable to validate input. Please try again."
	}
}

// SanitizeInput normalizes text for processing: trims, strips NULs,
// collapses whitespace runs, and truncates past maxChars.
func SanitizeInput(text string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	s := strings.ReplaceAll(strings.TrimSpace(text), "\x00", "")
	s = strings.Join(strings.Fields(s), " ")
	if runes := []rune(s); len(runes) > maxChars {
		s = string(runes[:maxChars])
	}
	return s
}

// ValidateFactField checks an extracted fact before it is merged.
// Facts are immutable once set, so a bad capture would stick for the
// whole session; rejects are logged and dropped instead.
func ValidateFactField(field, value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return false
	}
	switch field {
	case FactName:
		return len(value) >= 2 && len(value) <= 50 && nameField.MatchString(value)
	case FactPolicyNumber:
		stripped := strings.NewReplacer("-", "", "_", "").Replace(value)
		return len(value) >= 6 && len(value) <= 20 && policyChars.MatchString(value) && stripped != ""
	case FactContact:
		return emailField.MatchString(value) || phoneField.MatchString(value) || bareDigits.MatchString(value)
	case FactInquiryType:
		return inquiryTypes[strings.ToLower(value)]
	default:
		return true
	}
}
