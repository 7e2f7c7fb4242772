package processors

import (
	"regexp"
	"sort"
	"strings"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type TextNormalizerConfig struct {
	// Replacements maps misheard phrases to their canonical domain term.
	Replacements map[string]string
	// Source gates which text frames are rewritten. Defaults to "stt" so
	// agent responses pass through untouched.
	Source string
	// FoldSpokenDigits collapses runs of spoken digits ("five five five")
	// into numerals so account and phone numbers survive transcription.
	FoldSpokenDigits bool
}

type replaceRule struct {
	pattern *regexp.Regexp
	to      string
}

// TextNormalizer rewrites transcripts before routing: phrase replacements
// for domain terms the recognizer mishears, and optional spoken-digit
// folding for identifiers read aloud.
type TextNormalizer struct {
	rules      []replaceRule
	source     string
	foldDigits bool
}

func NewTextNormalizer(cfg TextNormalizerConfig) *TextNormalizer {
	if cfg.Source == "" {
		cfg.Source = "stt"
	}
	// Longer phrases compile first so "claim status" wins over "claim".
	keys := make([]string, 0, len(cfg.Replacements))
	for from := range cfg.Replacements {
		if from != "" {
			keys = append(keys, from)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	rules := make([]replaceRule, 0, len(keys))
	for _, from := range keys {
		rules = append(rules, replaceRule{
			pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(from) + `\b`),
			to:      cfg.Replacements[from],
		})
	}
	return &TextNormalizer{
		rules:      rules,
		source:     cfg.Source,
		foldDigits: cfg.FoldSpokenDigits,
	}
}

func (t *TextNormalizer) Name() string { return "text_normalizer" }

func (t *TextNormalizer) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	if t.source != "" && meta[frames.MetaSource] != t.source {
		return []frames.Frame{f}, nil
	}
	normalized := tf.Text()
	for _, rule := range t.rules {
		normalized = rule.pattern.ReplaceAllString(normalized, rule.to)
	}
	if t.foldDigits {
		normalized = foldSpokenDigits(normalized)
	}
	if normalized == tf.Text() {
		return []frames.Frame{f}, nil
	}
	meta[frames.MetaNormalized] = "true"
	return []frames.Frame{frames.NewTextFrame(meta[frames.MetaStreamID], tf.PTS(), normalized, meta)}, nil
}

var digitWords = map[string]string{
	"zero": "0", "oh": "0",
	"one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// foldSpokenDigits joins consecutive digit words into a single numeral
// token. A run must contain a digit other than "oh" before it folds, so
// "oh, I see" survives, and runs break at punctuation so "chapter five,
// one moment" does not become "51 moment".
func foldSpokenDigits(text string) string {
	words := strings.Fields(text)
	if len(words) < 2 {
		return text
	}
	out := make([]string, 0, len(words))
	i := 0
	for i < len(words) {
		j := i
		strong := false
		for j < len(words) {
			core, trail := splitTrailingPunct(words[j])
			if _, ok := digitWords[strings.ToLower(core)]; !ok {
				break
			}
			if strings.ToLower(core) != "oh" {
				strong = true
			}
			j++
			if trail != "" {
				break
			}
		}
		if j-i >= 2 && strong {
			var sb strings.Builder
			for k := i; k < j; k++ {
				core, trail := splitTrailingPunct(words[k])
				sb.WriteString(digitWords[strings.ToLower(core)])
				if k == j-1 {
					sb.WriteString(trail)
				}
			}
			out = append(out, sb.String())
			i = j
			continue
		}
		out = append(out, words[i])
		i++
	}
	return strings.Join(out, " ")
}

func splitTrailingPunct(w string) (core, trail string) {
	i := len(w)
	for i > 0 {
		switch w[i-1] {
		case '.', ',', '?', '!', ';', ':':
			i--
		default:
			return w[:i], w[i:]
		}
	}
	return "", w
}

var _ pipeline.FrameProcessor = (*TextNormalizer)(nil)
