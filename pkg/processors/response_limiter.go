package processors

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type ResponseLimiterConfig struct {
	MaxChars      int
	MaxSentences  int
	SourceFilters map[string]bool
}

// ResponseLimiter enforces short-turn responses for telephony. Long
// answers stall the caller and invite barge-in before the point lands.
type ResponseLimiter struct {
	cfg ResponseLimiterConfig
}

func NewResponseLimiter(cfg ResponseLimiterConfig) *ResponseLimiter {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 420
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	if cfg.SourceFilters == nil {
		cfg.SourceFilters = map[string]bool{"flow": true, "system": true}
	}
	return &ResponseLimiter{cfg: cfg}
}

func (r *ResponseLimiter) Name() string { return "response_limiter" }

func (r *ResponseLimiter) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if !r.cfg.SourceFilters[meta[frames.MetaSource]] {
		return []frames.Frame{f}, nil
	}
	text := strings.TrimSpace(tf.Text())
	if text == "" {
		return []frames.Frame{f}, nil
	}
	truncated := truncateSentences(text, r.cfg.MaxSentences)
	truncated = truncateChars(truncated, r.cfg.MaxChars)
	if truncated != text {
		meta[frames.MetaShortTurnEnforced] = "true"
		return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), truncated, meta)}, nil
	}
	return []frames.Frame{f}, nil
}

func truncateSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	runes := []rune(text)
	count := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		// A period inside an amount ("$128.50") is not a sentence end.
		if r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1]) {
			continue
		}
		count++
		if count >= maxSentences {
			result := strings.TrimSpace(string(runes[:i+1]))
			if result == "" {
				return text
			}
			return result
		}
	}
	return text
}

// truncateChars cuts at the last word boundary under the limit so the
// synthesized audio never ends mid-word.
func truncateChars(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	trimmed := text[:cut]
	if i := strings.LastIndexAny(trimmed, " \t\n"); i > 0 {
		trimmed = trimmed[:i]
	}
	return strings.TrimSpace(trimmed)
}

var _ pipeline.FrameProcessor = (*ResponseLimiter)(nil)
