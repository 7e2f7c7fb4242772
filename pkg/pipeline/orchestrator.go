package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/priority"
)

// maxAudioLag is how stale an audio frame may get before it is shed
// rather than played.
const maxAudioLag = 500 * time.Millisecond

type orchestrator struct {
	in      chan frames.Frame
	out     chan frames.Frame
	pq      *priority.PriorityQueue
	procs   []FrameProcessor
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	sink    func(frames.Frame)
	obs     metrics.Observer
	done    chan struct{}
	started bool
}

func New(cfg Config) Orchestrator {
	o := &orchestrator{
		in:   make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		out:  make(chan frames.Frame, cfg.HighCapacity+cfg.LowCapacity),
		pq:   priority.New(cfg.HighCapacity, cfg.LowCapacity, cfg.FairnessRatio),
		cfg:  cfg,
		done: make(chan struct{}),
	}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

func NewWithPipelineConfig(pc PipelineConfig) Orchestrator {
	orch := New(pc.Config)
	logPipeline(pc.Processors)
	for _, p := range pc.Processors {
		_ = orch.AddProcessor(p)
	}
	return orch
}

// SetContext rescopes the pipeline to a session context. Must be
// called before Start.
func (o *orchestrator) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	o.cancel()
	o.ctx, o.cancel = context.WithCancel(ctx)
}

func (o *orchestrator) In() chan frames.Frame            { return o.in }
func (o *orchestrator) Out() chan frames.Frame           { return o.out }
func (o *orchestrator) SetSink(sink func(frames.Frame))  { o.sink = sink }
func (o *orchestrator) SetObserver(obs metrics.Observer) { o.obs = obs }

func (o *orchestrator) AddProcessor(p FrameProcessor) error {
	o.procs = append(o.procs, p)
	return nil
}

func (o *orchestrator) Start() error {
	o.started = true
	go o.feed()
	if o.cfg.Async {
		o.startStages()
	} else {
		go o.runChain()
	}
	return nil
}

// Stop closes the queue and waits for the chain to drain. The out
// channel closes once the last frame has left the final stage.
func (o *orchestrator) Stop() error {
	o.cancel()
	o.pq.Close()
	if !o.started {
		return nil
	}
	select {
	case <-o.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

// feed moves inbound frames onto the two-lane queue until the session
// context ends.
func (o *orchestrator) feed() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case f := <-o.in:
			o.enqueue(f)
		}
	}
}

// enqueue routes control frames to the high lane so cancellation beats
// whatever audio is queued ahead of it.
func (o *orchestrator) enqueue(f frames.Frame) {
	ok := false
	if f.Kind() == frames.KindControl {
		ok = o.pq.TryPushHigh(f)
	} else {
		ok = o.pq.TryPushLow(f)
	}
	if !ok {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
	}
	o.recordIn(f)
}

// runChain is the synchronous pipeline: one goroutine walks every frame
// through the processors in order. It owns the out channel and closes
// it when the queue is exhausted.
func (o *orchestrator) runChain() {
	defer close(o.done)
	defer close(o.out)
	for {
		fAny, ok := o.pq.Pop()
		if !ok {
			return
		}
		f := fAny.(frames.Frame)
		if staleAudio(f, maxAudioLag) {
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
			continue
		}
		for _, e := range o.applyChain(f) {
			o.recordOut(e)
			o.emit(e)
		}
	}
}

// applyChain feeds one frame through every processor, carrying fan-out
// forward and releasing frames a stage swallowed or failed on.
func (o *orchestrator) applyChain(f frames.Frame) []frames.Frame {
	out := []frames.Frame{f}
	for _, p := range o.procs {
		var next []frames.Frame
		for _, cur := range out {
			start := time.Now()
			r, err := p.Process(cur)
			if err != nil || r == nil {
				frames.ReleaseAudioFrame(cur)
				continue
			}
			o.recordStage(p.Name(), cur, start)
			next = append(next, r...)
		}
		out = next
		if out == nil {
			break
		}
	}
	return out
}

// startStages wires the asynchronous pipeline: one goroutine per
// processor connected by buffered channels. Closure propagates down the
// chain, so the final stage closing out is the signal that the pipeline
// has fully drained.
func (o *orchestrator) startStages() {
	chans := make([]chan frames.Frame, len(o.procs)+1)
	for i := range chans {
		chans[i] = make(chan frames.Frame, o.cfg.StageBuffer)
	}
	for i, p := range o.procs {
		go o.runStage(p, chans[i], chans[i+1])
	}
	go o.feedStages(chans[0])
	go o.collect(chans[len(chans)-1])
}

func (o *orchestrator) runStage(p FrameProcessor, in <-chan frames.Frame, out chan frames.Frame) {
	defer close(out)
	for f := range in {
		start := time.Now()
		r, err := p.Process(f)
		if err != nil || r == nil {
			frames.ReleaseAudioFrame(f)
			continue
		}
		o.recordStage(p.Name(), f, start)
		for _, e := range r {
			o.push(out, e)
		}
	}
}

// feedStages pops the queue into the first stage until exhaustion, then
// closes it so shutdown walks the chain.
func (o *orchestrator) feedStages(first chan frames.Frame) {
	defer close(first)
	for {
		fAny, ok := o.pq.Pop()
		if !ok {
			return
		}
		f := fAny.(frames.Frame)
		if staleAudio(f, maxAudioLag) {
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
			continue
		}
		o.push(first, f)
	}
}

func (o *orchestrator) collect(final <-chan frames.Frame) {
	defer close(o.done)
	defer close(o.out)
	for e := range final {
		o.recordOut(e)
		o.emit(e)
	}
}

func (o *orchestrator) emit(f frames.Frame) {
	if o.sink != nil {
		o.sink(f)
		frames.ReleaseAudioFrame(f)
		return
	}
	o.push(o.out, f)
}

func (o *orchestrator) push(ch chan frames.Frame, f frames.Frame) {
	if staleAudio(f, maxAudioLag) {
		frames.ReleaseAudioFrame(f)
		o.recordDrop(f)
		return
	}
	switch o.cfg.Backpressure {
	case BackpressureWait:
		select {
		case <-o.ctx.Done():
			frames.ReleaseAudioFrame(f)
			return
		case ch <- f:
		}
	default:
		select {
		case ch <- f:
		default:
			frames.ReleaseAudioFrame(f)
			o.recordDrop(f)
		}
	}
}

func (o *orchestrator) recordStage(name string, f frames.Frame, start time.Time) {
	if o.obs == nil {
		return
	}
	tags := idTags(f)
	tags["processor"] = name
	o.obs.RecordEvent(metrics.MetricsEvent{
		Name:  "stage_latency_us",
		Time:  time.Now(),
		Value: float64(time.Since(start).Microseconds()),
		Tags:  tags,
	})
}

func (o *orchestrator) recordIn(f frames.Frame)   { o.recordFlow("frame_in", f) }
func (o *orchestrator) recordOut(f frames.Frame)  { o.recordFlow("frame_out", f) }
func (o *orchestrator) recordDrop(f frames.Frame) { o.recordFlow("frame_drop", f) }

func (o *orchestrator) recordFlow(name string, f frames.Frame) {
	if o.obs == nil {
		return
	}
	tags := idTags(f)
	tags["kind"] = kindOf(f)
	addFrameDetailTags(tags, f)
	o.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

// idTags pulls the routing ids every metric event is tagged with.
func idTags(f frames.Frame) map[string]string {
	var meta map[string]string
	if f != nil {
		meta = f.Meta()
	}
	return map[string]string{
		frames.MetaStreamID:  meta[frames.MetaStreamID],
		frames.MetaTraceID:   meta[frames.MetaTraceID],
		frames.MetaSessionID: meta[frames.MetaSessionID],
	}
}

func kindOf(f frames.Frame) string {
	if f == nil {
		return ""
	}
	return string(f.Kind())
}

func addFrameDetailTags(tags map[string]string, f frames.Frame) {
	if tags == nil || f == nil {
		return
	}
	meta := f.Meta()
	if source := meta[frames.MetaSource]; source != "" {
		tags["source"] = source
	}
	switch v := f.(type) {
	case frames.ControlFrame:
		tags["control_code"] = string(v.Code())
		if reason := meta[frames.MetaReason]; reason != "" {
			tags["control_reason"] = reason
		}
	case frames.SystemFrame:
		if name := v.Name(); name != "" {
			tags["system_name"] = name
		}
	}
}

func logPipeline(procs []FrameProcessor) {
	if len(procs) == 0 {
		return
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		names = append(names, p.Name())
	}
	slog.Info("pipeline", "order", strings.Join(names, " -> "))
}

// staleAudio sheds audio whose capture timestamp has fallen too far
// behind the wall clock. PTS values below 1e12 are synthetic counters,
// not epoch nanos, and are never shed.
func staleAudio(f frames.Frame, maxLag time.Duration) bool {
	if f == nil || f.Kind() != frames.KindAudio {
		return false
	}
	pts := f.PTS()
	if pts <= 0 || pts < 1_000_000_000_000 {
		return false
	}
	return time.Since(time.Unix(0, pts)) > maxLag
}
