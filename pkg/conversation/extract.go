package conversation

import (
	"log/slog"
	"regexp"
	"strings"
)

// Extraction patterns tolerate lossy speech transcription: permissive
// spacing and case, digit runs instead of strict phone formats. Ambiguous
// matches are accepted rather than rejected.
var (
	namePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:my name is|i'm|i am|call me)\s+([a-zA-Z\s]{2,30}?)(?:\s+and\b|\s*,|\s*\.|\s*$)`),
		regexp.MustCompile(`(?i)^([a-zA-Z]+(?:\s[a-zA-Z]+)?)\s+here\b`),
	}

	// Words that start a clause, not a name. "I'm having trouble" must
	// not capture "having trouble", nor "I am here" capture "I Am".
	nameStopwords = map[string]bool{
		"having": true, "looking": true, "trying": true, "calling": true,
		"interested": true, "wondering": true, "going": true, "getting": true,
		"just": true, "not": true, "sorry": true, "here": true, "good": true,
		"fine": true, "okay": true, "sure": true, "still": true, "really": true,
		"very": true, "so": true, "a": true, "an": true, "the": true,
		"i": true, "am": true, "we": true, "it": true, "this": true, "that": true,
	}

	policyCapture = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:policy number|policy|account)\s*(?:is|:)?\s*([a-zA-Z0-9][a-zA-Z0-9\-\s.]{2,30})`),
		// No space in the separator class: "at 1234567890" must not
		// normalize into a plausible policy id.
		regexp.MustCompile(`\b([a-zA-Z]{2,3}[-.]?\d{6,10})\b`),
	}
	policyDigitsOnly = regexp.MustCompile(`\b(\d{8,12})\b`)
	policyKeyword    = regexp.MustCompile(`(?i)\b(policy|account)\b`)
	policyValid      = regexp.MustCompile(`^([A-Z]{2,3}\d{3,10}|\d{8,12})$`)
	nonAlnum         = regexp.MustCompile(`[^A-Za-z0-9]`)

	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?1?[-.\s]?\(?[0-9]{3}\)?[-.\s]?[0-9]{3}[-.\s]?[0-9]{4}`)
	digitRun     = regexp.MustCompile(`\+?(?:\d[\s\-().]*){7,15}`)

	supportInquiry = regexp.MustCompile(`(?i)\b(support|help|assistance|problem|issue|claim)\b`)
	salesInquiry   = regexp.MustCompile(`(?i)\b(sales|buy|purchase|quote|new policy|insurance)\b`)

	// Spoken digit sequences ("five five five one two...") collapse to
	// numerals before contact matching.
	spokenDigitRun = regexp.MustCompile(`(?i)\b(?:(?:zero|one|two|three|four|five|six|seven|eight|nine|oh)[\s\-,]+){6,}(?:zero|one|two|three|four|five|six|seven|eight|nine|oh)\b`)
	spokenDigit    = regexp.MustCompile(`(?i)zero|one|two|three|four|five|six|seven|eight|nine|oh`)
)

var spokenDigitValues = map[string]string{
	"zero": "0", "oh": "0", "one": "1", "two": "2", "three": "3",
	"four": "4", "five": "5", "six": "6", "seven": "7", "eight": "8",
	"nine": "9",
}

// Extractor scans utterances for durable user facts. It is a pure
// function of its input apart from truncation logging.
type Extractor struct {
	maxChars int
	log      *slog.Logger
}

func NewExtractor(maxChars int, log *slog.Logger) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxInputChars
	}
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{maxChars: maxChars, log: log}
}

// Extract returns only the fields it found evidence for, never empty
// values. Oversized input is truncated before scanning, not rejected.
func (e *Extractor) Extract(text string) Facts {
	if strings.TrimSpace(text) == "" {
		return Facts{}
	}
	if runes := []rune(text); len(runes) > e.maxChars {
		e.log.Warn("extract_input_truncated", "chars", len(runes), "cap", e.maxChars)
		text = string(runes[:e.maxChars])
	}

	facts := Facts{}
	if v := extractName(text); v != "" {
		facts[FactName] = v
	}
	policy, policySpan := extractPolicyNumber(text)
	if policy != "" {
		facts[FactPolicyNumber] = policy
	}
	// A policy number's digits must not be re-read as a phone number.
	contactText := text
	if policySpan != "" {
		contactText = strings.Replace(contactText, policySpan, " ", 1)
	}
	if v := extractContact(contactText); v != "" {
		facts[FactContact] = v
	}
	if v := extractInquiryType(text); v != "" {
		facts[FactInquiryType] = v
	}
	return facts
}

func extractName(text string) string {
	for _, p := range namePatterns {
		m := p.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		candidate := strings.TrimSpace(m[1])
		words := strings.Fields(candidate)
		if len(words) == 0 || len(words) > 4 {
			continue
		}
		if nameStopwords[strings.ToLower(words[0])] {
			continue
		}
		for i, w := range words {
			words[i] = capitalize(w)
		}
		name := strings.Join(words, " ")
		if len(name) < 2 || len(name) > 50 {
			continue
		}
		return name
	}
	return ""
}

// extractPolicyNumber returns the normalized value and the raw span it
// was read from, so callers can mask the span before phone matching.
func extractPolicyNumber(text string) (string, string) {
	for _, p := range policyCapture {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			if normalized := normalizePolicyNumber(m[1]); normalized != "" {
				return normalized, m[1]
			}
		}
	}
	// Bare digit runs are too phone-like to trust without a policy cue.
	if policyKeyword.MatchString(text) {
		if m := policyDigitsOnly.FindStringSubmatch(text); m != nil {
			return m[1], m[1]
		}
	}
	return "", ""
}

// normalizePolicyNumber collapses transcription artifacts like
// "P-O-L - 1 2 3" into "POL123" and validates the result against the
// accepted format family.
func normalizePolicyNumber(raw string) string {
	cleaned := strings.ToUpper(nonAlnum.ReplaceAllString(raw, ""))
	if policyValid.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

func extractContact(text string) string {
	if m := emailPattern.FindString(text); m != "" {
		return m
	}
	if m := phonePattern.FindString(text); m != "" {
		if digits := countDigits(m); digits >= 7 {
			return strings.TrimSpace(m)
		}
	}
	// Digit-run fallback: transcription drops punctuation, so accept any
	// long-enough run of digits after collapsing spoken digit words.
	collapsed := collapseSpokenDigits(text)
	if m := digitRun.FindString(collapsed); m != "" {
		digits := keepDigits(m)
		if n := len(strings.TrimPrefix(digits, "+")); n >= 7 && n <= 15 {
			return digits
		}
	}
	return ""
}

func extractInquiryType(text string) string {
	if supportInquiry.MatchString(text) {
		return "support"
	}
	if salesInquiry.MatchString(text) {
		return "sales"
	}
	return ""
}

func collapseSpokenDigits(text string) string {
	return spokenDigitRun.ReplaceAllStringFunc(text, func(run string) string {
		return spokenDigit.ReplaceAllStringFunc(run, func(w string) string {
			return spokenDigitValues[strings.ToLower(w)]
		})
	})
}

func keepDigits(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func capitalize(w string) string {
	if w == "" {
		return w
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}
