package conversation

import (
	"errors"
	"testing"
	"time"
)

func TestLatencyMetricsTotalIsSumOfStages(t *testing.T) {
	var lm LatencyMetrics
	lm.Record(StageSTT, 120*time.Millisecond)
	lm.Record(StageLLM, 800*time.Millisecond)
	lm.Record(StageTTS, 80*time.Millisecond)

	if lm.STTMs != 120 || lm.LLMMs != 800 || lm.TTSMs != 80 {
		t.Fatalf("stages = %v/%v/%v", lm.STTMs, lm.LLMMs, lm.TTSMs)
	}
	if lm.TotalMs != 1000 {
		t.Fatalf("total = %v, want 1000", lm.TotalMs)
	}

	// Re-recording a stage replaces it and refreshes the total.
	lm.Record(StageLLM, 400*time.Millisecond)
	if lm.TotalMs != 600 {
		t.Fatalf("total after rerecord = %v, want 600", lm.TotalMs)
	}
}

func TestLatencyMetricsTimePassesErrorThrough(t *testing.T) {
	var lm LatencyMetrics
	want := errors.New("stage failed")
	got := lm.Time(StageLLM, func() error {
		time.Sleep(2 * time.Millisecond)
		return want
	})
	if got != want {
		t.Fatalf("error = %v, want %v", got, want)
	}
	if lm.LLMMs <= 0 {
		t.Fatal("duration not recorded for failing stage")
	}
}

func TestLatencyMetricsNilReceiverIsSafe(t *testing.T) {
	var lm *LatencyMetrics
	lm.Record(StageSTT, time.Second)
	lm.RecordTokens(10, "model-x")

	ran := false
	err := lm.Time(StageLLM, func() error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatal("nil metrics must not affect the wrapped stage")
	}
}

func TestLatencyMetricsTokens(t *testing.T) {
	var lm LatencyMetrics
	lm.RecordTokens(100, "gemini-2.5-flash-lite")
	lm.RecordTokens(40, "")
	if lm.Tokens != 140 {
		t.Fatalf("tokens = %d, want 140", lm.Tokens)
	}
	if lm.Model != "gemini-2.5-flash-lite" {
		t.Fatalf("model = %q", lm.Model)
	}
}
