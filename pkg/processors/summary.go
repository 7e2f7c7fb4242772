package processors

import (
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type SummaryConfig struct {
	MaxEntries int
	MaxChars   int
}

// SummaryProcessor keeps a short transcript ring and the facts the flow
// stamped onto passing frames, and emits a wrap-up when the call ends.
// CRM or ticketing hooks consume the call_summary system frame.
type SummaryProcessor struct {
	cfg         SummaryConfig
	mu          sync.Mutex
	entries     map[string][]summaryEntry
	facts       map[string]map[string]string
	lastTraceID map[string]string
	lastSession map[string]string
	obs         metrics.Observer
}

type summaryEntry struct {
	role string
	text string
}

func NewSummaryProcessor(cfg SummaryConfig) *SummaryProcessor {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 8
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 600
	}
	return &SummaryProcessor{
		cfg:         cfg,
		entries:     make(map[string][]summaryEntry),
		facts:       make(map[string]map[string]string),
		lastTraceID: make(map[string]string),
		lastSession: make(map[string]string),
	}
}

func (p *SummaryProcessor) Name() string { return "summary_processor" }

func (p *SummaryProcessor) SetObserver(obs metrics.Observer) { p.obs = obs }

func (p *SummaryProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	if traceID := f.Meta()[frames.MetaTraceID]; traceID != "" {
		p.mu.Lock()
		p.lastTraceID[streamID] = traceID
		p.mu.Unlock()
	}
	if sessionID := f.Meta()[frames.MetaSessionID]; sessionID != "" {
		p.mu.Lock()
		p.lastSession[streamID] = sessionID
		p.mu.Unlock()
	}
	p.harvestFacts(streamID, f.Meta())

	switch f.Kind() {
	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		switch meta[frames.MetaSource] {
		case "stt":
			if !isFinal(meta) {
				return []frames.Frame{f}, nil
			}
			p.append(streamID, "caller", tf.Text())
		case "dtmf", "webchat":
			p.append(streamID, "caller", tf.Text())
		case "flow", "system":
			p.append(streamID, "agent", tf.Text())
		}
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" {
			summary := p.buildSummary(streamID)
			meta := map[string]string{
				frames.MetaStreamID:    streamID,
				frames.MetaCallSummary: summary,
			}
			if traceID := p.getTrace(streamID); traceID != "" {
				meta[frames.MetaTraceID] = traceID
			}
			if sessionID := p.getSession(streamID); sessionID != "" {
				meta[frames.MetaSessionID] = sessionID
			}
			p.recordSummary(streamID, summary)
			p.clear(streamID)
			return []frames.Frame{frames.NewSystemFrame(streamID, time.Now().UnixNano(), "call_summary", meta), f}, nil
		}
	}
	return []frames.Frame{f}, nil
}

func (p *SummaryProcessor) harvestFacts(streamID string, meta map[string]string) {
	var got map[string]string
	for k, v := range meta {
		if strings.HasPrefix(k, frames.MetaGlobalPrefix) && v != "" {
			if got == nil {
				got = make(map[string]string)
			}
			got[k[len(frames.MetaGlobalPrefix):]] = v
		}
	}
	if got == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	facts := p.facts[streamID]
	if facts == nil {
		facts = make(map[string]string)
		p.facts[streamID] = facts
	}
	for k, v := range got {
		facts[k] = v
	}
}

func (p *SummaryProcessor) append(streamID, role, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := append(p.entries[streamID], summaryEntry{role: role, text: text})
	if len(entries) > p.cfg.MaxEntries {
		entries = entries[len(entries)-p.cfg.MaxEntries:]
	}
	p.entries[streamID] = entries
}

func (p *SummaryProcessor) buildSummary(streamID string) string {
	p.mu.Lock()
	entries := p.entries[streamID]
	facts := p.facts[streamID]
	p.mu.Unlock()

	header := summaryHeader(facts)
	if len(entries) == 0 {
		if header != "" {
			return "Summary: " + header + ". No conversation recorded."
		}
		return "Summary: call ended with no conversation."
	}
	lastCaller := ""
	lastAgent := ""
	for i := len(entries) - 1; i >= 0; i-- {
		if lastCaller == "" && entries[i].role == "caller" {
			lastCaller = entries[i].text
		}
		if lastAgent == "" && entries[i].role == "agent" {
			lastAgent = entries[i].text
		}
		if lastCaller != "" && lastAgent != "" {
			break
		}
	}
	var sb strings.Builder
	sb.WriteString("Summary: ")
	if header != "" {
		sb.WriteString(header)
		sb.WriteString(". ")
	}
	sb.WriteString("Caller said \"" + clipSummary(lastCaller) + "\". Agent responded \"" + clipSummary(lastAgent) + "\".")
	summary := sb.String()
	if len(summary) > p.cfg.MaxChars {
		summary = summary[:p.cfg.MaxChars]
	}
	return summary
}

func summaryHeader(facts map[string]string) string {
	if len(facts) == 0 {
		return ""
	}
	var parts []string
	if name := facts["name"]; name != "" {
		parts = append(parts, "caller "+name)
	}
	if policy := facts["policy_number"]; policy != "" {
		parts = append(parts, "policy "+policy)
	}
	if inquiry := facts["inquiry_type"]; inquiry != "" {
		parts = append(parts, inquiry+" inquiry")
	}
	return strings.Join(parts, ", ")
}

func clipSummary(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "-"
	}
	if len(text) <= 120 {
		return text
	}
	return text[:120] + "..."
}

func (p *SummaryProcessor) recordSummary(streamID, summary string) {
	if p.obs == nil {
		return
	}
	tags := map[string]string{frames.MetaStreamID: streamID, "component": "summary"}
	if traceID := p.getTrace(streamID); traceID != "" {
		tags[frames.MetaTraceID] = traceID
	}
	if sessionID := p.getSession(streamID); sessionID != "" {
		tags[frames.MetaSessionID] = sessionID
	}
	p.obs.RecordEvent(metrics.MetricsEvent{
		Name:   "call_summary",
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{"summary": summary},
	})
}

func (p *SummaryProcessor) clear(streamID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, streamID)
	delete(p.facts, streamID)
	delete(p.lastTraceID, streamID)
	delete(p.lastSession, streamID)
}

func (p *SummaryProcessor) getTrace(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTraceID[streamID]
}

func (p *SummaryProcessor) getSession(streamID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSession[streamID]
}

// Tap returns the intake-side recorder for this summary. The router
// consumes caller utterances, so the summary stage downstream of it
// only ever sees agent replies; the tap sits upstream and feeds the
// caller side of the same transcript ring.
func (p *SummaryProcessor) Tap() pipeline.FrameProcessor {
	return &summaryTap{p: p}
}

type summaryTap struct {
	p *SummaryProcessor
}

func (t *summaryTap) Name() string { return "summary_intake" }

func (t *summaryTap) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() != frames.KindText {
		return []frames.Frame{f}, nil
	}
	tf := f.(frames.TextFrame)
	meta := tf.Meta()
	streamID := meta[frames.MetaStreamID]
	if streamID == "" {
		return []frames.Frame{f}, nil
	}
	switch meta[frames.MetaSource] {
	case "stt":
		if isFinal(meta) {
			t.p.append(streamID, "caller", tf.Text())
		}
	case "dtmf", "webchat":
		t.p.append(streamID, "caller", tf.Text())
	}
	return []frames.Frame{f}, nil
}

func isFinal(meta map[string]string) bool {
	v := strings.ToLower(meta[frames.MetaIsFinal])
	return v == "true" || v == "1" || v == "yes"
}

var _ pipeline.FrameProcessor = (*SummaryProcessor)(nil)
var _ pipeline.FrameProcessor = (*summaryTap)(nil)
