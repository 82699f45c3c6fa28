package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string  `yaml:"log_level"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	OTLPInsecure   bool    `yaml:"otlp_insecure"`
	PrometheusBind string  `yaml:"prometheus_bind"`
	TraceSampling  float64 `yaml:"trace_sampling"` // fraction of generations traced
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Cache       CacheConfig      `yaml:"cache"`
	Synthesis   SynthesisConfig  `yaml:"synthesis"`
	Transcoder  TranscoderConfig `yaml:"transcoder"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CacheConfig controls the on-disk cache of synthesized PCM.
type CacheConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxEntries int    `yaml:"max_entries"`
}

type SynthesisConfig struct {
	Mode             string  `yaml:"mode"` // mock, google, exec
	Endpoint         string  `yaml:"endpoint"`
	Command          string  `yaml:"command"`
	TokenCommand     string  `yaml:"token_command"`
	TokenTTLSeconds  int     `yaml:"token_ttl_s"`
	LanguageCode     string  `yaml:"language_code"`
	VoiceName        string  `yaml:"voice_name"`
	SSMLGender       string  `yaml:"ssml_gender"`
	SpeakingRate     float64 `yaml:"speaking_rate"`
	RequestEncoding  string  `yaml:"request_encoding"` // mp3, linear16, ogg_opus
	MaxAttempts      int     `yaml:"max_attempts"`
	InitialBackoffMS int     `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int     `yaml:"max_backoff_ms"`
	TimeoutMS        int     `yaml:"timeout_ms"`
}

type TranscoderConfig struct {
	Command     string `yaml:"command"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	SampleWidth int    `yaml:"sample_width"`
}

type PipelineConfig struct {
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	MinIntervalMS   int    `yaml:"min_interval_ms"`
	MergeMode       string `yaml:"merge_mode"` // replace, append
	OutputBuffer    int    `yaml:"output_buffer"`
	SessionIdleMS   int    `yaml:"session_idle_ms"` // 0 keeps sessions until shutdown
}

func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// FrameDuration returns the configured frame length.
func (p PipelineConfig) FrameDuration() time.Duration {
	return time.Duration(p.FrameDurationMS) * time.Millisecond
}

// MinInterval returns the debounce window between synthesis calls.
func (p PipelineConfig) MinInterval() time.Duration {
	return time.Duration(p.MinIntervalMS) * time.Millisecond
}

// SessionIdle returns how long a session may go without fragments before its
// pipeline is released.
func (p PipelineConfig) SessionIdle() time.Duration {
	return time.Duration(p.SessionIdleMS) * time.Millisecond
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
			TraceSampling:  1,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Path:       "./data/gtts-cache.db",
			MaxEntries: 5000,
		},
		Synthesis: SynthesisConfig{
			Mode:             "mock",
			Endpoint:         "texttospeech.googleapis.com:443",
			TokenCommand:     "gcloud auth application-default print-access-token",
			TokenTTLSeconds:  3000,
			LanguageCode:     "en-US",
			VoiceName:        "en-US-Wavenet-A",
			SpeakingRate:     1.4,
			SSMLGender:       "FEMALE",
			RequestEncoding:  "mp3",
			MaxAttempts:      3,
			InitialBackoffMS: 200,
			MaxBackoffMS:     2000,
			TimeoutMS:        15000,
		},
		Transcoder: TranscoderConfig{
			Command:     "ffmpeg",
			SampleRate:  44100,
			Channels:    1,
			SampleWidth: 2,
		},
		Pipeline: PipelineConfig{
			FrameDurationMS: 20,
			MinIntervalMS:   0,
			MergeMode:       "replace",
			OutputBuffer:    64,
			SessionIdleMS:   300000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampling, "LOQA_TELEMETRY_TRACE_SAMPLING")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Cache.Enabled, "LOQA_CACHE_ENABLED")
	overrideString(&cfg.Cache.Path, "LOQA_CACHE_PATH")
	overrideInt(&cfg.Cache.MaxEntries, "LOQA_CACHE_MAX_ENTRIES")
	overrideString(&cfg.Synthesis.Mode, "LOQA_SYNTHESIS_MODE")
	overrideString(&cfg.Synthesis.Endpoint, "LOQA_SYNTHESIS_ENDPOINT")
	overrideString(&cfg.Synthesis.Command, "LOQA_SYNTHESIS_COMMAND")
	overrideString(&cfg.Synthesis.TokenCommand, "LOQA_SYNTHESIS_TOKEN_COMMAND")
	overrideInt(&cfg.Synthesis.TokenTTLSeconds, "LOQA_SYNTHESIS_TOKEN_TTL_S")
	overrideString(&cfg.Synthesis.LanguageCode, "LOQA_SYNTHESIS_LANGUAGE_CODE")
	overrideString(&cfg.Synthesis.VoiceName, "LOQA_SYNTHESIS_VOICE_NAME")
	overrideString(&cfg.Synthesis.SSMLGender, "LOQA_SYNTHESIS_SSML_GENDER")
	overrideFloat(&cfg.Synthesis.SpeakingRate, "LOQA_SYNTHESIS_SPEAKING_RATE")
	overrideString(&cfg.Synthesis.RequestEncoding, "LOQA_SYNTHESIS_REQUEST_ENCODING")
	overrideInt(&cfg.Synthesis.MaxAttempts, "LOQA_SYNTHESIS_MAX_ATTEMPTS")
	overrideInt(&cfg.Synthesis.InitialBackoffMS, "LOQA_SYNTHESIS_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Synthesis.MaxBackoffMS, "LOQA_SYNTHESIS_MAX_BACKOFF_MS")
	overrideInt(&cfg.Synthesis.TimeoutMS, "LOQA_SYNTHESIS_TIMEOUT_MS")
	overrideString(&cfg.Transcoder.Command, "LOQA_TRANSCODER_COMMAND")
	overrideInt(&cfg.Transcoder.SampleRate, "LOQA_TRANSCODER_SAMPLE_RATE")
	overrideInt(&cfg.Transcoder.Channels, "LOQA_TRANSCODER_CHANNELS")
	overrideInt(&cfg.Transcoder.SampleWidth, "LOQA_TRANSCODER_SAMPLE_WIDTH")
	overrideInt(&cfg.Pipeline.FrameDurationMS, "LOQA_PIPELINE_FRAME_DURATION_MS")
	overrideInt(&cfg.Pipeline.MinIntervalMS, "LOQA_PIPELINE_MIN_INTERVAL_MS")
	overrideString(&cfg.Pipeline.MergeMode, "LOQA_PIPELINE_MERGE_MODE")
	overrideInt(&cfg.Pipeline.OutputBuffer, "LOQA_PIPELINE_OUTPUT_BUFFER")
	overrideInt(&cfg.Pipeline.SessionIdleMS, "LOQA_PIPELINE_SESSION_IDLE_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Telemetry.TraceSampling < 0 || cfg.Telemetry.TraceSampling > 1 {
		return errors.New("telemetry.trace_sampling must be between 0 and 1")
	}
	if cfg.Cache.Enabled && cfg.Cache.Path == "" {
		return errors.New("cache.path must not be empty when the cache is enabled")
	}
	switch cfg.Synthesis.Mode {
	case "mock", "google", "exec":
	default:
		return errors.New("synthesis.mode must be one of mock|google|exec")
	}
	if cfg.Synthesis.Mode == "exec" && cfg.Synthesis.Command == "" {
		return errors.New("synthesis.command must be set when mode=exec")
	}
	if cfg.Synthesis.Mode == "google" && cfg.Synthesis.Endpoint == "" {
		return errors.New("synthesis.endpoint must be set when mode=google")
	}
	if cfg.Synthesis.LanguageCode == "" {
		return errors.New("synthesis.language_code must not be empty")
	}
	if cfg.Synthesis.VoiceName == "" {
		return errors.New("synthesis.voice_name must not be empty")
	}
	switch strings.ToLower(cfg.Synthesis.RequestEncoding) {
	case "mp3", "linear16", "ogg_opus":
	default:
		return errors.New("synthesis.request_encoding must be one of mp3|linear16|ogg_opus")
	}
	switch strings.ToLower(cfg.Synthesis.SSMLGender) {
	case "", "female", "male", "neutral":
	default:
		return errors.New("synthesis.ssml_gender must be one of female|male|neutral")
	}
	if cfg.Synthesis.SpeakingRate < 0.25 || cfg.Synthesis.SpeakingRate > 4.0 {
		return errors.New("synthesis.speaking_rate must be between 0.25 and 4.0")
	}
	if cfg.Synthesis.MaxAttempts <= 0 {
		return errors.New("synthesis.max_attempts must be >= 1")
	}
	if cfg.Synthesis.InitialBackoffMS < 0 || cfg.Synthesis.MaxBackoffMS < cfg.Synthesis.InitialBackoffMS {
		return errors.New("synthesis.max_backoff_ms must be >= initial_backoff_ms >= 0")
	}
	if cfg.Transcoder.Command == "" {
		return errors.New("transcoder.command must not be empty")
	}
	if cfg.Transcoder.SampleRate <= 0 {
		return errors.New("transcoder.sample_rate must be positive")
	}
	if cfg.Transcoder.Channels <= 0 {
		return errors.New("transcoder.channels must be positive")
	}
	switch cfg.Transcoder.SampleWidth {
	case 1, 2, 3, 4:
	default:
		return errors.New("transcoder.sample_width must be one of 1|2|3|4")
	}
	if cfg.Pipeline.FrameDurationMS <= 0 {
		return errors.New("pipeline.frame_duration_ms must be positive")
	}
	if cfg.Pipeline.MinIntervalMS < 0 {
		return errors.New("pipeline.min_interval_ms must be >= 0")
	}
	switch cfg.Pipeline.MergeMode {
	case "replace", "append":
	default:
		return errors.New("pipeline.merge_mode must be one of replace|append")
	}
	if cfg.Pipeline.SessionIdleMS < 0 {
		return errors.New("pipeline.session_idle_ms must be >= 0")
	}
	return nil
}
