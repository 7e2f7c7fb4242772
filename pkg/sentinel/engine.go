package sentinel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/aggregators"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/conversation"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/frames"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/llm"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/metrics"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/observers"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/processors"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/redact"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/runner"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/turn"
)

// Engine assembles the per-session pipelines and ties them to one
// transport: recognizer in, routed conversation, synthesis out.
type Engine struct {
	cfg       Config
	registry  *pipeline.SessionRegistry
	transport transports.Transport
	providers *ProviderRegistry
	runner    *pipeline.Runner
	asyncObs  *metrics.AsyncObserver
	audioObs  metrics.Observer
	executor  *ToolExecutor
	ctx       context.Context
	cancel    context.CancelFunc

	tools llm.ToolRegistry

	mu    sync.Mutex
	flows map[string]*processors.FlowProcessor
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
	Transport transports.Transport
	Tools     llm.ToolRegistry
	Filler    pipeline.FrameProcessor
	// Prompts replaces the stock flow prompts wholesale; config-level
	// overrides still apply on top.
	Prompts *conversation.PromptSet
	// Escalation is the hand-off backend for conversations that need a
	// human. Nil routes escalation through the tool registry.
	Escalation conversation.Dispatcher
	// Optional hooks and extensions.
	PreProcessors    []pipeline.FrameProcessor
	BeforeFlow       []pipeline.FrameProcessor
	BeforeTTS        []pipeline.FrameProcessor
	PostProcessors   []pipeline.FrameProcessor
	QuestionDetector func(string) bool
	ToolOptions      ToolExecutorOptions
	SilenceReprompt  *processors.SilenceRepromptConfig
}

func NewEngine(opts EngineOptions) *Engine {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("sentinel_init",
		"environment", cfg.Environment,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"stt_provider", cfg.Vendors.STT.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	pipeline.LogConfiguration(cfg.Engine)
	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	var costObs *observers.CostObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		costObs = observers.NewCostObserver(dir)
		obsList = append(obsList, timelineObs, costObs)
	}
	var metricsFile *os.File
	if path := strings.TrimSpace(cfg.Observability.MetricsFile); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("metrics_file_open_failed", "path", path, "error", err)
		} else {
			metricsFile = f
			obsList = append(obsList, metrics.NewJSONLObserver(f))
		}
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	// Per-frame audio events fire every 20ms per call; sampling keeps
	// them from crowding out turn-level events.
	audioObs := metrics.Observer(asyncObs)
	if r := cfg.Observability.AudioEventRate; r > 0 && r < 1 {
		audioObs = metrics.NewSamplingObserver(asyncObs, r)
	}

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	toolOpts := opts.ToolOptions
	if isZeroToolOptions(toolOpts) {
		toolOpts = toolOptionsFromConfig(cfg)
	}
	executor := NewToolExecutor(opts.Tools, toolOpts)
	executor.SetObserver(asyncObs)

	prompts := buildPrompts(cfg, opts.Prompts)
	retryCfg := retryFromConfig(cfg.Conversation.Retry)

	var sink func(frames.Frame)
	if opts.Transport != nil {
		sink = func(f frames.Frame) {
			if f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				meta := f.Meta()
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					"stream_id":          meta[frames.MetaStreamID],
					frames.MetaTraceID:   meta[frames.MetaTraceID],
					frames.MetaSessionID: meta[frames.MetaSessionID],
					"component":          "transport",
				}
				audioObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_out",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			_ = opts.Transport.Send(f)
		}
	}

	engine := &Engine{
		cfg:       cfg,
		transport: opts.Transport,
		providers: providers,
		asyncObs:  asyncObs,
		audioObs:  audioObs,
		executor:  executor,
		tools:     opts.Tools,
		flows:     make(map[string]*processors.FlowProcessor),
	}

	textOnly := false
	if tc, ok := opts.Transport.(transports.TextChannel); ok {
		textOnly = tc.TextOnly()
	}

	registry := pipeline.NewSessionRegistry(func(ctx context.Context, sessionID, streamID, traceID string) (pipeline.Orchestrator, error) {
		builder := pipeline.NewVoiceAgentBuilder()
		for _, p := range opts.PreProcessors {
			if p != nil {
				builder = builder.WithAcoustic(p)
			}
		}

		// Recognition, turn tracking and keypad input only exist on
		// audio channels. Text sessions feed the router directly.
		var sttProc *processors.STTProcessor
		var turnProc *processors.TurnProcessor
		if !textOnly {
			sttFactory, err := providers.BuildSTTFactory(cfg.Vendors.STT.Provider, cfg, traceID)
			if err != nil {
				return nil, err
			}
			sttProc = processors.NewSTTProcessor(sttFactory)
			sttProc.SetForwardInterim(cfg.STT.ForwardInterim)
			if cfg.Engine.STTReplayChunks > 0 {
				sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: cfg.Engine.STTReplayChunks})
			} else {
				sttProc.SetReplayBuffer(processors.STTReplayConfig{MaxChunks: 0})
			}
			if opts.QuestionDetector != nil {
				sttProc.SetQuestionDetector(opts.QuestionDetector)
			}
			sttProc.SetObserver(asyncObs)
			sttProc.SetContext(ctx)

			turnCfg := processors.TurnProcessorConfig{
				BargeInThreshold: time.Duration(cfg.Turn.BargeInThresholdMS) * time.Millisecond,
				MinBargeIn:       time.Duration(cfg.Turn.MinBargeInMS) * time.Millisecond,
				EndOfTurnTimeout: time.Duration(cfg.Turn.EndOfTurnTimeoutMS) * time.Millisecond,
			}
			turnProc = processors.NewTurnProcessorWithConfig(turn.AggressiveStrategy{}, turnCfg)
			if opts.SilenceReprompt != nil {
				turnProc.SetSilenceReprompt(opts.SilenceReprompt)
			} else if reprompt := silenceRepromptFromConfig(cfg); reprompt != nil {
				turnProc.SetSilenceReprompt(reprompt)
			}

			normProc := processors.NewTextNormalizer(processors.TextNormalizerConfig{
				Replacements:     cfg.STT.Replacements,
				FoldSpokenDigits: cfg.STT.FoldSpokenDigits,
			})
			aggProc := aggregators.NewUtteranceAggregator(aggregators.AggregatorConfig{
				MaxHistory: cfg.Conversation.HistoryWindow,
			})
			dtmfProc := processors.NewDTMFProcessor(processors.DTMFConfig{
				Window:       time.Duration(cfg.DTMF.WindowMS) * time.Millisecond,
				DigitTimeout: time.Duration(cfg.DTMF.DigitTimeoutMS) * time.Millisecond,
				MaxDigits:    cfg.DTMF.MaxDigits,
				MarkOnly:     cfg.DTMF.MarkOnly,
			})

			builder = builder.WithSTT(sttProc).
				WithTurnManager(turnProc).
				WithNormalizer(normProc).
				WithAggregator(aggProc).
				WithDTMF(dtmfProc)
		}

		// Conversation routing. One manager per session, created on its
		// first utterance; the executor scopes tool calls to the session.
		llmAdapter, err := providers.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
		if err != nil {
			return nil, err
		}
		flowProc := processors.NewFlowProcessor(func(sessID string) (*conversation.Manager, error) {
			var reg llm.ToolRegistry
			if opts.Tools != nil {
				reg = executor.ForSession(sessID)
			}
			return conversation.NewManager(conversation.Config{
				SessionID:     sessID,
				HistoryCap:    cfg.Conversation.HistoryCap,
				HistoryWindow: cfg.Conversation.HistoryWindow,
				MaxInputChars: cfg.Conversation.MaxInputChars,
				MaxToolRounds: cfg.Conversation.MaxToolRounds,
				ToolTimeout:   time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
				Retry:         retryCfg,
				Prompts:       prompts,
				Adapter:       llmAdapter,
				Registry:      reg,
				Dispatcher:    opts.Escalation,
				Observer:      asyncObs,
			})
		})
		flowProc.SetObserver(asyncObs)
		flowProc.SetContext(ctx)
		if turnProc != nil {
			flowProc.SetTurnManager(turnProc.Manager())
		}
		engine.trackFlow(sessionID, flowProc)

		// Response shaping.
		recoveryProc := processors.NewRecoveryProcessor(processors.RecoveryConfig{
			MaxAttempts:   cfg.Recovery.MaxAttempts,
			PromptText:    cfg.Recovery.PromptText,
			ExhaustedText: cfg.Recovery.ExhaustedText,
			Phrases:       cfg.Recovery.Phrases,
		})
		limiterProc := processors.NewResponseLimiter(processors.ResponseLimiterConfig{
			MaxChars:     cfg.Response.MaxChars,
			MaxSentences: cfg.Response.MaxSentences,
		})

		// The summary's intake tap must sit above the router because the
		// router consumes caller utterances; the summary stage itself
		// sits below it to catch agent replies and the call_end.
		var summaryProc *processors.SummaryProcessor
		if cfg.Summary.Enabled {
			summaryProc = processors.NewSummaryProcessor(processors.SummaryConfig{
				MaxEntries: cfg.Summary.MaxEntries,
				MaxChars:   cfg.Summary.MaxChars,
			})
			summaryProc.SetObserver(asyncObs)
			builder = builder.WithProcessor(summaryProc.Tap())
		}

		builder = builder.WithProcessorList(opts.BeforeFlow).
			WithFlow(flowProc).
			WithProcessor(recoveryProc).
			WithLimiter(limiterProc)

		builder = builder.WithProcessorList(opts.BeforeTTS)
		if summaryProc != nil {
			builder = builder.WithProcessor(summaryProc)
		}

		// Synthesis.
		var ttsProc *processors.TTSProcessor
		if !textOnly {
			ttsFactory, err := providers.BuildTTSFactory(cfg.Vendors.TTS.Provider, cfg)
			if err != nil {
				return nil, err
			}
			ttsProc = processors.NewTTSProcessor(ttsFactory)
			ttsProc.SetObserver(asyncObs)
			ttsProc.SetContext(ctx)
			if format, ok := cfg.Vendors.TTS.Settings["output_format"].(string); ok && strings.TrimSpace(format) != "" {
				ttsProc.SetOutputFormat(format)
			}
			builder = builder.WithTTS(ttsProc)
			if opts.Filler != nil {
				builder = builder.WithFiller(opts.Filler)
			}
		}
		for _, p := range opts.PostProcessors {
			if p != nil {
				builder = builder.WithSerializer(p)
			}
		}

		orch := builder.Build(cfg.Pipeline)
		orch.SetContext(ctx)
		orch.SetObserver(asyncObs)

		if sink != nil {
			orch.SetSink(sink)
		}

		go func() {
			<-ctx.Done()
			if sttProc != nil {
				sttProc.CloseAll()
			}
			if ttsProc != nil {
				ttsProc.CloseAll()
			}
		}()

		return orch, nil
	})
	engine.registry = registry

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Sentinel Engine Ready"}
			if rr, ok := opts.Transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if metricsFile != nil {
				_ = metricsFile.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			if costObs != nil {
				_ = costObs.Close()
			}
			slog.Info("shutdown", "goroutines", runtime.NumGoroutine(), "active_sessions", registry.Count())
		},
	}

	drainer := pipeline.DrainerFunc(func() error {
		if opts.Transport != nil {
			_ = opts.Transport.Stop()
		}
		registry.SetDraining(true)
		registry.CloseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = registry.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})

	engine.runner = pipeline.NewDrainRunner(drainer, hooks, 30*time.Second)
	engine.ctx, engine.cancel = context.WithCancel(context.Background())
	return engine
}

func buildPrompts(cfg Config, override *conversation.PromptSet) conversation.PromptSet {
	prompts := conversation.DefaultPrompts()
	if override != nil {
		prompts = *override
	}
	ov := cfg.Conversation.Prompts
	if strings.TrimSpace(ov.Greeting) != "" {
		prompts.Greeting = ov.Greeting
	}
	if strings.TrimSpace(ov.Support) != "" {
		prompts.Support = ov.Support
	}
	if strings.TrimSpace(ov.Sales) != "" {
		prompts.Sales = ov.Sales
	}
	if strings.TrimSpace(ov.Recovery) != "" {
		prompts.Recovery = ov.Recovery
	}
	if bp := strings.TrimSpace(cfg.BasePrompt); bp != "" {
		prompts.Greeting = bp + "\n\n" + prompts.Greeting
		prompts.Support = bp + "\n\n" + prompts.Support
		prompts.Sales = bp + "\n\n" + prompts.Sales
		prompts.Recovery = bp + "\n\n" + prompts.Recovery
	}
	return prompts
}

func retryFromConfig(rc LLMRetryConfig) llm.RetryConfig {
	return llm.RetryConfig{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   time.Duration(rc.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(rc.MaxDelayMS) * time.Millisecond,
	}
}

func silenceRepromptFromConfig(cfg Config) *processors.SilenceRepromptConfig {
	sr := cfg.Turn.SilenceReprompt
	if sr.TimeoutMS == 0 && sr.MaxAttempts == 0 && sr.PromptText == "" {
		return nil
	}
	return &processors.SilenceRepromptConfig{
		Timeout:     time.Duration(sr.TimeoutMS) * time.Millisecond,
		MaxAttempts: sr.MaxAttempts,
		PromptText:  sr.PromptText,
	}
}

func isZeroToolOptions(opts ToolExecutorOptions) bool {
	return opts.Concurrency == 0 &&
		opts.Timeout == 0 &&
		opts.Retries == 0 &&
		opts.RetryBackoff == 0 &&
		opts.CacheTTL == 0 &&
		!opts.SerializeBySession
}

func toolOptionsFromConfig(cfg Config) ToolExecutorOptions {
	return ToolExecutorOptions{
		Concurrency:        cfg.Tools.Concurrency,
		Timeout:            time.Duration(cfg.Tools.TimeoutMS) * time.Millisecond,
		Retries:            cfg.Tools.Retries,
		RetryBackoff:       time.Duration(cfg.Tools.RetryBackoffMS) * time.Millisecond,
		SerializeBySession: cfg.Tools.SerializeBySession,
		CacheTTL:           time.Duration(cfg.Tools.CacheTTLMS) * time.Millisecond,
	}
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.transport != nil {
		if err := e.transport.Start(ctx); err != nil {
			return err
		}
		go e.routeTransport(ctx)
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			sessionID := meta[frames.MetaSessionID]
			streamID := meta[frames.MetaStreamID]
			traceID := meta[frames.MetaTraceID]
			if sessionID == "" || streamID == "" {
				continue
			}
			if e.audioObs != nil && f.Kind() == frames.KindAudio {
				af := f.(frames.AudioFrame)
				fields := map[string]any{
					"sample_rate": af.Rate(),
					"channels":    af.Channels(),
				}
				if e.cfg.Observability.RecordAudio {
					fields["payload_b64"] = base64.StdEncoding.EncodeToString(af.RawPayload())
				}
				tags := map[string]string{
					frames.MetaStreamID:  streamID,
					frames.MetaTraceID:   traceID,
					frames.MetaSessionID: sessionID,
					"component":          "transport",
				}
				e.audioObs.RecordEvent(metrics.MetricsEvent{
					Name:   "audio_in",
					Time:   time.Now(),
					Tags:   tags,
					Fields: fields,
				})
			}
			if f.Kind() == frames.KindSystem {
				sf := f.(frames.SystemFrame)
				if sf.Name() == "call_end" {
					sess, found := e.registry.Get(sessionID)
					if found {
						nonBlockingSend(sess.Orch.In(), f)
					}
					e.closeSession(sessionID)
					continue
				}
			}
			sess, created, err := e.registry.GetOrCreate(sessionID, streamID, traceID)
			if errors.Is(err, pipeline.ErrDraining) {
				slog.Debug("session_refused_draining", "session_id", sessionID)
				continue
			}
			if err != nil {
				slog.Error("session_create_failed", "session_id", sessionID, "error", err)
				continue
			}
			if created {
				e.openSession(sess, meta)
			}
			nonBlockingSend(sess.Orch.In(), f)
		}
	}
}

// openSession injects the configured greeting so the agent speaks
// first on a fresh session.
func (e *Engine) openSession(sess *pipeline.Session, meta map[string]string) {
	greeting := strings.TrimSpace(e.cfg.Conversation.Greeting)
	if greeting == "" {
		return
	}
	gm := map[string]string{
		frames.MetaStreamID:     sess.StreamID,
		frames.MetaSessionID:    sess.SessionID,
		frames.MetaSource:       "system",
		frames.MetaGreetingText: greeting,
	}
	if traceID := meta[frames.MetaTraceID]; traceID != "" {
		gm[frames.MetaTraceID] = traceID
	}
	sf := frames.NewSystemFrame(sess.StreamID, time.Now().UnixNano(), "session_start", gm)
	nonBlockingSend(sess.Orch.In(), sf)
}

func (e *Engine) closeSession(sessionID string) {
	e.registry.Remove(sessionID)
	e.executor.ReleaseSession(sessionID)
	e.mu.Lock()
	delete(e.flows, sessionID)
	e.mu.Unlock()
}

func (e *Engine) trackFlow(sessionID string, p *processors.FlowProcessor) {
	e.mu.Lock()
	e.flows[sessionID] = p
	e.mu.Unlock()
}

// SessionSnapshot exposes the committed conversation state of a live
// session for health and debug surfaces.
func (e *Engine) SessionSnapshot(sessionID string) (conversation.Snapshot, bool) {
	e.mu.Lock()
	flow, ok := e.flows[sessionID]
	e.mu.Unlock()
	if !ok {
		return conversation.Snapshot{}, false
	}
	return flow.Snapshot(sessionID)
}

func nonBlockingSend(ch chan frames.Frame, f frames.Frame) {
	select {
	case ch <- f:
	default:
	}
}

// SetDefaultLogger installs the process logger. Format "json" switches
// to structured output for log shippers.
func SetDefaultLogger(level, format string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func (e *Engine) ProviderRegistry() *ProviderRegistry {
	return e.providers
}

func (e *Engine) Transport() transports.Transport {
	return e.transport
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Registry() *pipeline.SessionRegistry {
	return e.registry
}

func (e *Engine) Executor() *ToolExecutor {
	return e.executor
}

func (e *Engine) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
