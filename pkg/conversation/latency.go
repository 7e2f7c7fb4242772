package conversation

import "time"

// Stage names the timed segments of one turn.
type Stage string

const (
	StageSTT Stage = "stt"
	StageLLM Stage = "llm"
	StageTTS Stage = "tts"
)

// LatencyMetrics accumulates per-stage timings for a single turn.
// Created at turn start, populated as stages complete, reported with
// the turn result. All durations are milliseconds.
type LatencyMetrics struct {
	STTMs   float64 `json:"stt_ms"`
	LLMMs   float64 `json:"llm_ms"`
	TTSMs   float64 `json:"tts_ms"`
	TotalMs float64 `json:"total_ms"`
	Tokens  int     `json:"tokens"`
	Model   string  `json:"model,omitempty"`
}

// Record stores a stage duration and refreshes the total. Safe on a
// nil receiver so instrumentation can never fail a stage.
func (lm *LatencyMetrics) Record(stage Stage, d time.Duration) {
	if lm == nil {
		return
	}
	ms := durationMs(d)
	switch stage {
	case StageSTT:
		lm.STTMs = ms
	case StageLLM:
		lm.LLMMs = ms
	case StageTTS:
		lm.TTSMs = ms
	}
	lm.TotalMs = lm.STTMs + lm.LLMMs + lm.TTSMs
}

func (lm *LatencyMetrics) RecordTokens(tokens int, model string) {
	if lm == nil {
		return
	}
	lm.Tokens += tokens
	if model != "" {
		lm.Model = model
	}
}

// Time runs fn and records its wall time under stage. The stage's
// error passes through untouched; timing is observation only.
func (lm *LatencyMetrics) Time(stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	lm.Record(stage, time.Since(start))
	return err
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
