package processors

import (
	"bytes"
	"encoding/base64"
	"os"
	"strings"
	"sync"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

// fillerChunk is 20ms of 8kHz mulaw.
const fillerChunk = 160

// FillerProcessor plays a short acknowledgment clip while the agent is
// thinking. Dead air between question and answer reads as a dropped
// call; tool lookups can take seconds.
type FillerProcessor struct {
	chunks [][]byte

	mu      sync.Mutex
	playing map[string]bool
}

// NewFillerProcessor loads a mulaw clip from path. Files ending in .b64
// are base64-decoded first. A missing or unreadable file falls back to
// brief silence.
func NewFillerProcessor(path string) *FillerProcessor {
	return &FillerProcessor{
		chunks:  chunkClip(loadClip(path)),
		playing: make(map[string]bool),
	}
}

func chunkClip(raw []byte) [][]byte {
	if len(raw) < fillerChunk {
		raw = bytes.Repeat([]byte{0xFF}, fillerChunk*5)
	}
	chunks := make([][]byte, 0, len(raw)/fillerChunk)
	for i := 0; i+fillerChunk <= len(raw); i += fillerChunk {
		chunks = append(chunks, raw[i:i+fillerChunk])
	}
	return chunks
}

func (p *FillerProcessor) Name() string { return "filler" }

func (p *FillerProcessor) Process(f frames.Frame) ([]frames.Frame, error) {
	switch v := f.(type) {
	case frames.SystemFrame:
		streamID := v.Meta()[frames.MetaStreamID]
		switch v.Name() {
		case "thinking_start":
			return p.begin(streamID, v.Meta()), nil
		case "thinking_end", "call_end":
			p.finish(streamID)
		}
	case frames.ControlFrame:
		if v.Code() == frames.ControlFlush || v.Code() == frames.ControlCancel {
			p.finish(v.Meta()[frames.MetaStreamID])
		}
	}
	return []frames.Frame{f}, nil
}

// begin emits the clip once per thinking phase; repeat thinking_start
// signals for the same stream stay silent until the phase ends.
func (p *FillerProcessor) begin(streamID string, meta map[string]string) []frames.Frame {
	p.mu.Lock()
	already := p.playing[streamID]
	p.playing[streamID] = true
	p.mu.Unlock()
	if already {
		return nil
	}

	base := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		base[k] = v
	}
	base[frames.MetaEncoding] = "mulaw"
	base[frames.MetaSource] = "filler"

	out := make([]frames.Frame, 0, len(p.chunks))
	for _, c := range p.chunks {
		out = append(out, frames.NewAudioFrameFromPool(streamID, 0, c, 8000, 1, base))
	}
	return out
}

func (p *FillerProcessor) finish(streamID string) {
	p.mu.Lock()
	delete(p.playing, streamID)
	p.mu.Unlock()
}

// loadClip reads the clip, decoding base64 when the extension says so.
// Undecodable content is treated as missing rather than played as
// noise.
func loadClip(path string) []byte {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if !strings.HasSuffix(path, ".b64") {
		return b
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
	if err != nil || len(decoded) == 0 {
		return nil
	}
	return decoded
}

var _ pipeline.FrameProcessor = (*FillerProcessor)(nil)
