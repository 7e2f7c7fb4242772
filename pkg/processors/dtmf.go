package processors

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type DTMFConfig struct {
	// Window suppresses spoken digit echoes this long after a key press.
	Window      time.Duration
	PreferDTMF  bool
	MarkOnly    bool
	MetaKeyFlag string
	// DigitTimeout submits an unterminated entry once keys stop arriving.
	DigitTimeout time.Duration
	MaxDigits    int
}

// DTMFProcessor collects keypad digits into a single text frame the flow
// can route like speech. '#' submits, '*' clears, and a settled entry
// submits on its own. Spoken digit-only transcripts inside the press
// window are dropped or marked so the same number is not heard twice.
type DTMFProcessor struct {
	cfg     DTMFConfig
	mu      sync.Mutex
	lastDT  map[string]time.Time
	pending map[string]*dtmfEntry
}

type dtmfEntry struct {
	digits string
	lastAt time.Time
	pts    int64
	meta   map[string]string
}

var digitRunOnly = regexp.MustCompile(`^[0-9][0-9\s\-]*$`)

func NewDTMFProcessor(cfg DTMFConfig) *DTMFProcessor {
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if cfg.MetaKeyFlag == "" {
		cfg.MetaKeyFlag = frames.MetaDTMFPriority
	}
	if cfg.DigitTimeout <= 0 {
		cfg.DigitTimeout = 3 * time.Second
	}
	if cfg.MaxDigits <= 0 {
		cfg.MaxDigits = 12
	}
	return &DTMFProcessor{
		cfg:     cfg,
		lastDT:  make(map[string]time.Time),
		pending: make(map[string]*dtmfEntry),
	}
}

func (d *DTMFProcessor) Name() string { return "dtmf_processor" }

func (d *DTMFProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	streamID := f.Meta()[frames.MetaStreamID]
	switch f.Kind() {
	case frames.KindSystem:
		sf := f.(frames.SystemFrame)
		if sf.Name() == "call_end" && streamID != "" {
			d.mu.Lock()
			delete(d.lastDT, streamID)
			delete(d.pending, streamID)
			d.mu.Unlock()
			return []frames.Frame{f}, nil
		}
		return d.withSettled(streamID, f), nil

	case frames.KindControl:
		cf := f.(frames.ControlFrame)
		if cf.Code() != frames.ControlDTMF {
			return d.withSettled(streamID, f), nil
		}
		if streamID == "" {
			return nil, nil
		}
		return d.press(streamID, cf), nil

	case frames.KindText:
		tf := f.(frames.TextFrame)
		meta := tf.Meta()
		if meta[frames.MetaSource] != "stt" {
			return d.withSettled(streamID, f), nil
		}
		text := strings.TrimSpace(tf.Text())
		if text == "" || !digitRunOnly.MatchString(text) {
			return d.withSettled(streamID, f), nil
		}
		if streamID == "" {
			return []frames.Frame{f}, nil
		}
		d.mu.Lock()
		last, ok := d.lastDT[streamID]
		d.mu.Unlock()
		if !ok || time.Since(last) > d.cfg.Window {
			return d.withSettled(streamID, f), nil
		}
		meta[d.cfg.MetaKeyFlag] = "true"
		if d.cfg.MarkOnly || !d.cfg.PreferDTMF {
			return []frames.Frame{frames.NewTextFrame(streamID, tf.PTS(), tf.Text(), meta)}, nil
		}
		// Prefer DTMF: drop spoken digits to avoid duplication.
		return nil, nil
	}
	return []frames.Frame{f}, nil
}

func (d *DTMFProcessor) press(streamID string, cf frames.ControlFrame) []frames.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastDT[streamID] = time.Now()
	digit := cf.Meta()[frames.MetaDTMFDigit]
	switch {
	case digit == "#":
		return d.submitLocked(streamID)
	case digit == "*":
		delete(d.pending, streamID)
		return nil
	case len(digit) == 1 && digit[0] >= '0' && digit[0] <= '9':
		entry := d.pending[streamID]
		if entry == nil {
			entry = &dtmfEntry{pts: cf.PTS(), meta: cf.Meta()}
			d.pending[streamID] = entry
		}
		entry.digits += digit
		entry.lastAt = time.Now()
		if len(entry.digits) >= d.cfg.MaxDigits {
			return d.submitLocked(streamID)
		}
		return nil
	}
	return nil
}

func (d *DTMFProcessor) submitLocked(streamID string) []frames.Frame {
	entry := d.pending[streamID]
	delete(d.pending, streamID)
	if entry == nil || entry.digits == "" {
		return nil
	}
	meta := entry.meta
	if meta == nil {
		meta = map[string]string{frames.MetaStreamID: streamID}
	}
	meta[frames.MetaSource] = "dtmf"
	meta[frames.MetaIsFinal] = "true"
	meta[d.cfg.MetaKeyFlag] = "true"
	return []frames.Frame{frames.NewTextFrame(streamID, entry.pts, entry.digits, meta)}
}

// withSettled prepends a timed-out digit entry, if any, to the frame
// being passed through. Heartbeats are the clock here; a caller who
// types and then goes quiet still gets their entry routed.
func (d *DTMFProcessor) withSettled(streamID string, f frames.Frame) []frames.Frame {
	if streamID == "" {
		return []frames.Frame{f}
	}
	d.mu.Lock()
	entry := d.pending[streamID]
	if entry == nil || time.Since(entry.lastAt) <= d.cfg.DigitTimeout {
		d.mu.Unlock()
		return []frames.Frame{f}
	}
	out := d.submitLocked(streamID)
	d.mu.Unlock()
	return append(out, f)
}

var _ pipeline.FrameProcessor = (*DTMFProcessor)(nil)
