package sentinel

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/pipeline"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Vendors       VendorsConfig         `mapstructure:"vendors"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	STT           STTProcessingConfig   `mapstructure:"stt"`
	Turn          TurnConfig            `mapstructure:"turn"`
	DTMF          DTMFInputConfig       `mapstructure:"dtmf"`
	Tools         ToolsConfig           `mapstructure:"tools"`
	Conversation  ConversationConfig    `mapstructure:"conversation"`
	Response      ResponseConfig        `mapstructure:"response"`
	Recovery      RecoveryConfig        `mapstructure:"recovery"`
	Summary       SummaryConfig         `mapstructure:"summary"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
	BasePrompt    string                `mapstructure:"base_prompt"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
	Debug         DebugConfig           `mapstructure:",squash"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
	// Replacements rewrites misheard domain terms before routing.
	Replacements     map[string]string `mapstructure:"replacements"`
	FoldSpokenDigits bool              `mapstructure:"fold_spoken_digits"`
}

type TurnConfig struct {
	BargeInThresholdMS int                   `mapstructure:"barge_in_threshold_ms"`
	MinBargeInMS       int                   `mapstructure:"min_barge_in_ms"`
	EndOfTurnTimeoutMS int                   `mapstructure:"end_of_turn_timeout_ms"`
	SilenceReprompt    SilenceRepromptConfig `mapstructure:"silence_reprompt"`
}

type SilenceRepromptConfig struct {
	TimeoutMS   int    `mapstructure:"timeout_ms"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	PromptText  string `mapstructure:"prompt_text"`
}

type DTMFInputConfig struct {
	WindowMS       int  `mapstructure:"window_ms"`
	DigitTimeoutMS int  `mapstructure:"digit_timeout_ms"`
	MaxDigits      int  `mapstructure:"max_digits"`
	MarkOnly       bool `mapstructure:"mark_only"`
}

type ToolsConfig struct {
	Concurrency        int  `mapstructure:"concurrency"`
	TimeoutMS          int  `mapstructure:"timeout_ms"`
	Retries            int  `mapstructure:"retries"`
	RetryBackoffMS     int  `mapstructure:"retry_backoff_ms"`
	SerializeBySession bool `mapstructure:"serialize_by_session"`
	CacheTTLMS         int  `mapstructure:"cache_ttl_ms"`
}

type ConversationConfig struct {
	HistoryCap    int             `mapstructure:"history_cap"`
	HistoryWindow int             `mapstructure:"history_window"`
	MaxInputChars int             `mapstructure:"max_input_chars"`
	MaxToolRounds int             `mapstructure:"max_tool_rounds"`
	// Greeting is spoken or sent when a session opens, and seeds the
	// model history so the opening line is part of the transcript.
	Greeting string          `mapstructure:"greeting"`
	Prompts  PromptOverrides `mapstructure:"prompts"`
	Retry    LLMRetryConfig  `mapstructure:"retry"`
}

// PromptOverrides replaces the stock system prompt for a flow when set.
type PromptOverrides struct {
	Greeting string `mapstructure:"greeting"`
	Support  string `mapstructure:"support"`
	Sales    string `mapstructure:"sales"`
	Recovery string `mapstructure:"recovery"`
}

type LLMRetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMS int `mapstructure:"base_delay_ms"`
	MaxDelayMS  int `mapstructure:"max_delay_ms"`
}

type ResponseConfig struct {
	MaxChars     int `mapstructure:"max_chars"`
	MaxSentences int `mapstructure:"max_sentences"`
}

type RecoveryConfig struct {
	MaxAttempts   int      `mapstructure:"max_attempts"`
	PromptText    string   `mapstructure:"prompt_text"`
	ExhaustedText string   `mapstructure:"exhausted_text"`
	Phrases       []string `mapstructure:"phrases"`
}

type SummaryConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	MaxEntries int  `mapstructure:"max_entries"`
	MaxChars   int  `mapstructure:"max_chars"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RecordAudio   bool   `mapstructure:"record_audio"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsFile appends every event as a JSON line when set.
	MetricsFile string `mapstructure:"metrics_file"`
	// AudioEventRate in (0,1) samples per-frame audio events down to
	// that fraction. 0 and 1 both keep everything.
	AudioEventRate float64 `mapstructure:"audio_event_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type DebugConfig struct {
	SimulateBadNet bool `mapstructure:"simulate_bad_network"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("pipeline.async", true)
	v.SetDefault("pipeline.stagebuffer", 128)
	v.SetDefault("pipeline.highcapacity", 256)
	v.SetDefault("pipeline.lowcapacity", 512)
	v.SetDefault("pipeline.fairnessratio", 3)
	v.SetDefault("pipeline.backpressure", "drop")
	v.SetDefault("engine.samplerate", 8000)
	v.SetDefault("engine.stt_replay_chunks", 50)
	v.SetDefault("stt.forward_interim", false)
	v.SetDefault("stt.fold_spoken_digits", true)
	v.SetDefault("turn.barge_in_threshold_ms", 500)
	v.SetDefault("turn.min_barge_in_ms", 300)
	v.SetDefault("turn.end_of_turn_timeout_ms", 0)
	v.SetDefault("turn.silence_reprompt.timeout_ms", 0)
	v.SetDefault("turn.silence_reprompt.max_attempts", 0)
	v.SetDefault("turn.silence_reprompt.prompt_text", "")
	v.SetDefault("dtmf.window_ms", 2000)
	v.SetDefault("dtmf.digit_timeout_ms", 2000)
	v.SetDefault("dtmf.max_digits", 0)
	v.SetDefault("tools.concurrency", 4)
	v.SetDefault("tools.timeout_ms", 6000)
	v.SetDefault("tools.retries", 1)
	v.SetDefault("tools.retry_backoff_ms", 200)
	v.SetDefault("tools.serialize_by_session", true)
	v.SetDefault("tools.cache_ttl_ms", 30000)
	v.SetDefault("conversation.history_cap", 50)
	v.SetDefault("conversation.history_window", 10)
	v.SetDefault("conversation.max_input_chars", 1000)
	v.SetDefault("conversation.max_tool_rounds", 3)
	v.SetDefault("conversation.retry.max_attempts", 3)
	v.SetDefault("conversation.retry.base_delay_ms", 200)
	v.SetDefault("conversation.retry.max_delay_ms", 2000)
	v.SetDefault("response.max_chars", 420)
	v.SetDefault("response.max_sentences", 3)
	v.SetDefault("recovery.max_attempts", 2)
	v.SetDefault("summary.enabled", false)
	v.SetDefault("summary.max_entries", 8)
	v.SetDefault("summary.max_chars", 600)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.record_audio", false)
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.metrics_file", "")
	v.SetDefault("observability.audio_event_rate", 0)
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Pipeline struct {
			Async         bool   `mapstructure:"async"`
			StageBuffer   int    `mapstructure:"stagebuffer"`
			HighCapacity  int    `mapstructure:"highcapacity"`
			LowCapacity   int    `mapstructure:"lowcapacity"`
			FairnessRatio int    `mapstructure:"fairnessratio"`
			Backpressure  string `mapstructure:"backpressure"`
		} `mapstructure:"pipeline"`
		Engine         pipeline.EngineConfig `mapstructure:"engine"`
		Vendors        VendorsConfig         `mapstructure:"vendors"`
		Transports     TransportsConfig      `mapstructure:"transports"`
		STT            STTProcessingConfig   `mapstructure:"stt"`
		Turn           TurnConfig            `mapstructure:"turn"`
		DTMF           DTMFInputConfig       `mapstructure:"dtmf"`
		Tools          ToolsConfig           `mapstructure:"tools"`
		Conversation   ConversationConfig    `mapstructure:"conversation"`
		Response       ResponseConfig        `mapstructure:"response"`
		Recovery       RecoveryConfig        `mapstructure:"recovery"`
		Summary        SummaryConfig         `mapstructure:"summary"`
		Environment    string                `mapstructure:"environment"`
		LogLevel       string                `mapstructure:"log_level"`
		LogFormat      string                `mapstructure:"log_format"`
		BasePrompt     string                `mapstructure:"base_prompt"`
		Observability  ObservabilityConfig   `mapstructure:"observability"`
		Privacy        PrivacyConfig         `mapstructure:"privacy"`
		SimulateBadNet bool                  `mapstructure:"simulate_bad_network"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := Config{
		Pipeline: pipeline.Config{
			Async:         raw.Pipeline.Async,
			StageBuffer:   raw.Pipeline.StageBuffer,
			HighCapacity:  raw.Pipeline.HighCapacity,
			LowCapacity:   raw.Pipeline.LowCapacity,
			FairnessRatio: raw.Pipeline.FairnessRatio,
			Backpressure:  parseBackpressure(raw.Pipeline.Backpressure),
		},
		Engine:        raw.Engine,
		Vendors:       raw.Vendors,
		Transports:    raw.Transports,
		STT:           raw.STT,
		Turn:          raw.Turn,
		DTMF:          raw.DTMF,
		Tools:         raw.Tools,
		Conversation:  raw.Conversation,
		Response:      raw.Response,
		Recovery:      raw.Recovery,
		Summary:       raw.Summary,
		Environment:   raw.Environment,
		LogLevel:      raw.LogLevel,
		LogFormat:     raw.LogFormat,
		BasePrompt:    raw.BasePrompt,
		Observability: raw.Observability,
		Privacy:       raw.Privacy,
		Debug: DebugConfig{
			SimulateBadNet: raw.SimulateBadNet,
		},
	}

	if cfg.Debug.SimulateBadNet {
		cfg.Pipeline.StageBuffer = 16
		cfg.Pipeline.HighCapacity = 64
		cfg.Pipeline.LowCapacity = 128
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if textOnlyTransport(c.Transports.Provider) {
		return nil
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}

	return nil
}

// textOnlyTransport reports whether a transport provider carries text
// rather than audio. Text sessions need no recognizer or synthesizer.
func textOnlyTransport(provider string) bool {
	return strings.ToLower(strings.TrimSpace(provider)) == "webchat"
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wait":
		return pipeline.BackpressureWait
	case "drop", "":
		return pipeline.BackpressureDrop
	default:
		if n, err := strconv.Atoi(v); err == nil {
			return pipeline.BackpressureMode(n)
		}
	}
	return pipeline.BackpressureDrop
}
