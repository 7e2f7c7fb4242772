package processors

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type RecoveryConfig struct {
	MaxAttempts   int
	PromptText    string
	ExhaustedText string
	Phrases       []string
}

// RecoveryProcessor answers fallback signals and confused agent
// responses with a clarification prompt. Attempts are counted per
// stream; when they run out the caller is handed off instead of being
// asked again.
type RecoveryProcessor struct {
	cfg    RecoveryConfig
	mu     sync.Mutex
	counts map[string]int
}

func NewRecoveryProcessor(cfg RecoveryConfig) *RecoveryProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.PromptText == "" {
		cfg.PromptText = "Sorry, I didn't catch that. Could you say it again briefly?"
	}
	if cfg.ExhaustedText == "" {
		cfg.ExhaustedText = "I'm having trouble on my end. Let me get a specialist to help you."
	}
	if len(cfg.Phrases) == 0 {
		cfg.Phrases = []string{
			"i didn't understand",
			"i don't understand",
			"could you repeat",
			"i'm not sure what you mean",
			"i am not sure what you mean",
		}
	}
	return &RecoveryProcessor{cfg: cfg, counts: make(map[string]int)}
}

func (r *RecoveryProcessor) Name() string { return "recovery_processor" }

func (r *RecoveryProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	switch v := f.(type) {
	case frames.SystemFrame:
		if v.Name() == "call_end" {
			r.reset(streamID)
		}
	case frames.ControlFrame:
		if v.Code() == frames.ControlFallback {
			// The fallback control rides along so downstream stages
			// still see it after the prompt.
			return r.respond(f, "fallback", true), nil
		}
	case frames.TextFrame:
		if v.Meta()[frames.MetaSource] != "flow" {
			break
		}
		if !r.isConfusion(v.Text()) {
			r.reset(streamID)
			break
		}
		return r.respond(f, "confusion", false), nil
	}
	return []frames.Frame{f}, nil
}

// respond advances the stream's attempt counter and answers from the
// ladder: reprompt while attempts remain, hand off exactly once when
// they run out, stay silent after that. keepOriginal forwards f behind
// the injected frames; confusion replies drop the confused text.
func (r *RecoveryProcessor) respond(f frames.Frame, reason string, keepOriginal bool) []frames.Frame {
	meta := f.Meta()
	streamID := meta[frames.MetaStreamID]
	attempt := r.bump(streamID)
	meta[frames.MetaSource] = "system"
	meta[frames.MetaRecoveryReason] = reason
	meta[frames.MetaRepromptAttempt] = strconv.Itoa(attempt)

	switch {
	case attempt <= r.cfg.MaxAttempts:
		prompt := frames.NewTextFrame(streamID, f.PTS(), r.cfg.PromptText, meta)
		if keepOriginal {
			return []frames.Frame{prompt, f}
		}
		return []frames.Frame{prompt}
	case attempt == r.cfg.MaxAttempts+1:
		meta[frames.MetaEscalation] = "recovery_exhausted"
		handoff := []frames.Frame{
			frames.NewTextFrame(streamID, f.PTS(), r.cfg.ExhaustedText, meta),
			frames.NewSystemFrame(streamID, f.PTS(), "recovery_exhausted", meta),
		}
		if keepOriginal {
			handoff = append(handoff, f)
		}
		return handoff
	default:
		return []frames.Frame{f}
	}
}

func (r *RecoveryProcessor) isConfusion(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	for _, phrase := range r.cfg.Phrases {
		if strings.Contains(t, phrase) {
			return true
		}
	}
	return false
}

func (r *RecoveryProcessor) bump(streamID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[streamID]++
	return r.counts[streamID]
}

func (r *RecoveryProcessor) reset(streamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.counts, streamID)
}

var _ pipeline.FrameProcessor = (*RecoveryProcessor)(nil)
