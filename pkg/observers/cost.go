package observers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
)

// CostRates prices a session's usage. Rates come from config; zero
// rates leave the dollar estimate off the summary.
type CostRates struct {
	STTPerMinute       float64
	TTSPerMinute       float64
	LLMPerMillionToken float64
}

func (r CostRates) estimate(stat *CostSummary) float64 {
	usd := stat.STTAudioSec / 60 * r.STTPerMinute
	usd += stat.TTSAudioSec / 60 * r.TTSPerMinute
	usd += float64(stat.LLMTokenCount) / 1_000_000 * r.LLMPerMillionToken
	return usd
}

type CostSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	StreamID      string  `json:"stream_id,omitempty"`
	SessionID     string  `json:"session_id,omitempty"`
	STTAudioSec   float64 `json:"stt_audio_seconds"`
	TTSAudioSec   float64 `json:"tts_audio_seconds"`
	LLMTokenCount int     `json:"llm_tokens"`
	EstimatedUSD  float64 `json:"estimated_usd,omitempty"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// CostObserver accumulates billable usage per conversation and writes
// one summary file per id on Close. Summaries share their file identity
// with the timeline, so a conversation's .cost.json and .timeline.json
// sit side by side.
type CostObserver struct {
	dir   string
	rates CostRates
	mu    sync.Mutex
	stats map[string]*CostSummary
}

func NewCostObserver(dir string) *CostObserver {
	return &CostObserver{dir: dir, stats: make(map[string]*CostSummary)}
}

func (o *CostObserver) SetRates(rates CostRates) {
	o.mu.Lock()
	o.rates = rates
	o.mu.Unlock()
}

func (o *CostObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	id := conversationKey(ev.Tags)
	if id == "" {
		return
	}

	switch ev.Name {
	case "audio_in", "audio_out":
		sec := audioSeconds(ev.Fields)
		if sec <= 0 {
			return
		}
		o.mu.Lock()
		stat := o.statLocked(id, ev.Tags)
		if ev.Name == "audio_in" {
			stat.STTAudioSec += sec
		} else {
			stat.TTSAudioSec += sec
		}
		o.mu.Unlock()
	case "llm_done", "turn_completed", "turn_failed":
		tokens := numField(ev.Fields, "tokens", 0)
		if tokens <= 0 {
			return
		}
		o.mu.Lock()
		o.statLocked(id, ev.Tags).LLMTokenCount += tokens
		o.mu.Unlock()
	}
}

func (o *CostObserver) statLocked(id string, tags map[string]string) *CostSummary {
	stat := o.stats[id]
	if stat == nil {
		stat = &CostSummary{TraceID: tags["trace_id"], StreamID: tags["stream_id"]}
		o.stats[id] = stat
	}
	if stat.SessionID == "" {
		stat.SessionID = tags["session_id"]
	}
	return stat
}

func (o *CostObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	var errOut error
	for id, stat := range o.stats {
		stat.EstimatedUSD = o.rates.estimate(stat)
		stat.RecordedAtUTC = now
		path := filepath.Join(o.dir, sanitizeID(id)+".cost.json")
		errOut = errors.Join(errOut, writeSummary(path, stat))
	}
	return errOut
}

func writeSummary(path string, stat *CostSummary) error {
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// audioSeconds works the billable length out of a frame event: raw
// byte count over rate and channel count, assuming 8-bit telephony
// samples.
func audioSeconds(fields map[string]any) float64 {
	payload, _ := fields["payload_b64"].(string)
	if payload == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0
	}
	rate := numField(fields, "sample_rate", 0)
	channels := numField(fields, "channels", 1)
	if rate <= 0 || channels <= 0 {
		return 0
	}
	return float64(len(raw)) / float64(rate*channels)
}

// numField tolerates both native ints and the float64 every number
// becomes after a JSON round trip.
func numField(fields map[string]any, key string, def int) int {
	switch v := fields[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

var _ metrics.Observer = (*CostObserver)(nil)
