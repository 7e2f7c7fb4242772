package aggregators

import (
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

// UtteranceAggregator coalesces streaming transcript fragments into
// utterance-sized text frames. Intent routing reads whole utterances;
// word-level partials would misclassify every turn.
type UtteranceAggregator struct {
	mu         sync.Mutex
	cfg        AggregatorConfig
	sb         strings.Builder
	fragments  int
	firstPTS   int64
	streamID   string
	meta       map[string]string
	lastFragAt time.Time
	history    []string
}

func NewUtteranceAggregator(cfg AggregatorConfig) *UtteranceAggregator {
	if cfg.MinChars <= 0 {
		cfg.MinChars = 8
	}
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 256
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 10
	}
	if cfg.SettleAfter <= 0 {
		cfg.SettleAfter = 300 * time.Millisecond
	}
	return &UtteranceAggregator{cfg: cfg}
}

func (a *UtteranceAggregator) Configure(cfg AggregatorConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cfg.MinChars > 0 {
		a.cfg.MinChars = cfg.MinChars
	}
	if cfg.MaxFragments > 0 {
		a.cfg.MaxFragments = cfg.MaxFragments
	}
	if cfg.MaxHistory > 0 {
		a.cfg.MaxHistory = cfg.MaxHistory
	}
	if cfg.SettleAfter > 0 {
		a.cfg.SettleAfter = cfg.SettleAfter
	}
	return nil
}

func (a *UtteranceAggregator) AddFragment(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(text)
	a.fragments++
	a.lastFragAt = time.Now()
}

// Flush drains whatever has accumulated, regardless of boundaries.
func (a *UtteranceAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.drainLocked()
	if !ok {
		return ""
	}
	return out.Text()
}

// FlushFrame is Flush preserving the stream identity and metadata of
// the first fragment.
func (a *UtteranceAggregator) FlushFrame() *frames.TextFrame {
	a.mu.Lock()
	defer a.mu.Unlock()
	out, ok := a.drainLocked()
	if !ok {
		return nil
	}
	return &out
}

func (a *UtteranceAggregator) Name() string { return "utterance_aggregator" }

func (a *UtteranceAggregator) Process(f frames.Frame) ([]frames.Frame, error) {
	if f.Kind() == frames.KindText {
		tf := f.(frames.TextFrame)
		// Only recognizer output accumulates. Agent responses and keypad
		// entries are already utterance-shaped and pass straight through.
		if src := tf.Meta()[frames.MetaSource]; src == "" || src == "stt" {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.firstPTS == 0 {
				a.firstPTS = tf.PTS()
				a.streamID = tf.Meta()[frames.MetaStreamID]
				a.meta = tf.Meta()
			}
			a.sb.WriteString(tf.Text())
			a.fragments++
			a.lastFragAt = time.Now()

			if a.boundaryLocked(tf.Meta()[frames.MetaIsFinal] == "true") {
				if out, ok := a.drainLocked(); ok {
					return []frames.Frame{out}, nil
				}
			}
			return nil, nil
		}
	}
	// Non-transcript traffic is the only clock we get; use it to drain
	// runs the recognizer abandoned without punctuation.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stalledLocked() {
		if out, ok := a.drainLocked(); ok {
			return []frames.Frame{out, f}, nil
		}
	}
	return []frames.Frame{f}, nil
}

func (a *UtteranceAggregator) boundaryLocked(final bool) bool {
	text := strings.TrimSpace(a.sb.String())
	if text == "" {
		return false
	}
	// A final transcript drains regardless of length. Short
	// confirmations ("yes", "stop") drive routing and must not sit in
	// the buffer waiting for speech that never comes.
	if final {
		return true
	}
	if a.fragments >= a.cfg.MaxFragments {
		return true
	}
	return len(text) >= a.cfg.MinChars && endOfUtterance(text)
}

func (a *UtteranceAggregator) stalledLocked() bool {
	if a.fragments == 0 {
		return false
	}
	if time.Since(a.lastFragAt) <= a.cfg.SettleAfter {
		return false
	}
	return len(strings.TrimSpace(a.sb.String())) >= a.cfg.MinChars
}

func (a *UtteranceAggregator) drainLocked() (frames.TextFrame, bool) {
	text := strings.TrimSpace(a.sb.String())
	if text == "" {
		return frames.TextFrame{}, false
	}
	out := frames.NewTextFrame(a.streamID, a.firstPTS, text, a.meta)
	a.sb.Reset()
	a.fragments = 0
	a.firstPTS = 0
	a.streamID = ""
	a.meta = nil
	a.rememberLocked(text)
	return out, true
}

// endOfUtterance reports whether the run ends on sentence punctuation.
// A trailing ellipsis only counts once the run is long enough to be a
// deliberate trail-off rather than a recognizer stutter.
func endOfUtterance(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") {
		return len(t) >= 12
	}
	switch t[len(t)-1] {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}

var _ pipeline.FrameProcessor = (*UtteranceAggregator)(nil)

func (a *UtteranceAggregator) rememberLocked(text string) {
	if a.cfg.MaxHistory <= 0 {
		return
	}
	a.history = append(a.history, text)
	if len(a.history) > a.cfg.MaxHistory {
		a.history = a.history[len(a.history)-a.cfg.MaxHistory:]
	}
}

// History returns the most recent flushed utterances, oldest first.
func (a *UtteranceAggregator) History() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.history))
	copy(out, a.history)
	return out
}
