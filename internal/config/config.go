// Package config provides the configuration schemas, loaders, and provider
// registry for the GhostType server and client.
//
// The server and the client read separate YAML files. Both are decoded with
// unknown-field checking, filled with defaults, and validated before use.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Server defaults.
const (
	DefaultListenAddr        = ":8000"
	DefaultMaxBufferDuration = 60 * time.Second
	DefaultMaxBufferedAudio  = 10 * time.Minute
	DefaultASRWorkers        = 4
	DefaultCorrectionTimeout = 3 * time.Second
	DefaultCorrectionDelay   = 500 * time.Millisecond

	// DumpWAVDirEnv overrides server.dump_wav_dir when set.
	DumpWAVDirEnv = "GHOSTTYPE_DUMP_WAV_DIR"
)

// ─── Server ──────────────────────────────────────────────────────────────────

// ServerConfig is the root configuration of ghosttype-server.
// It is typically loaded with [LoadServer] or [LoadServerFromReader].
type ServerConfig struct {
	Server     ListenConfig     `yaml:"server"`
	Limits     LimitsConfig     `yaml:"limits"`
	ASR        ASRConfig        `yaml:"asr"`
	Correction CorrectionConfig `yaml:"correction"`
	Observe    ObserveConfig    `yaml:"observe"`
}

// ListenConfig holds network and logging settings for the server.
type ListenConfig struct {
	// ListenAddr is the TCP address the server listens on. Default: ":8000".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// DumpWAVDir, when set, receives a WAV copy of every finalized session
	// buffer. Overridden by the GHOSTTYPE_DUMP_WAV_DIR environment variable.
	DumpWAVDir string `yaml:"dump_wav_dir"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for serving wss://.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// LimitsConfig bounds the resources sessions may hold.
type LimitsConfig struct {
	// MaxBufferDuration caps the audio one session may buffer. Default: 60s.
	MaxBufferDuration time.Duration `yaml:"max_buffer_duration"`

	// MaxBufferedAudio caps the audio reserved by all open sessions together.
	// A start that would exceed it is rejected. Default: 10m.
	MaxBufferedAudio time.Duration `yaml:"max_buffered_audio"`

	// ASRWorkers is the number of recognitions that may run at once.
	// Default: 4.
	ASRWorkers int `yaml:"asr_workers"`
}

// ASRConfig selects the recognition engines.
type ASRConfig struct {
	// Local is used unless the client asks for the cloud engine.
	Local ProviderEntry `yaml:"local"`

	// Cloud is used for sessions started with use_cloud_api. Optional.
	Cloud ProviderEntry `yaml:"cloud"`

	// CircuitBreaker tunes the fail-fast guard around each engine.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CorrectionConfig configures the delayed correction stage.
type CorrectionConfig struct {
	// Enabled turns correction on. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Timeout bounds one correction attempt. Default: 3s.
	Timeout time.Duration `yaml:"timeout"`

	// MinDelay is the minimum time between fast_text and correction.
	// Default: 500ms.
	MinDelay time.Duration `yaml:"min_delay"`

	// Vocabulary lists custom terms whose spelling is enforced before the
	// LLM pass. Hot-reloaded.
	Vocabulary []string `yaml:"vocabulary"`

	// SystemPrompt replaces the built-in correction prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// LLM is the primary correction backend. Optional: without it only the
	// vocabulary pass runs.
	LLM ProviderEntry `yaml:"llm"`

	// Fallbacks are tried in order when LLM fails or its breaker is open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// CircuitBreaker tunes the per-backend breakers.
	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// IsEnabled reports whether correction is on. Unset means on.
func (c CorrectionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ObserveConfig toggles observability features.
type ObserveConfig struct {
	// Metrics exposes /metrics. Default: true.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports whether /metrics is served. Unset means on.
func (o ObserveConfig) MetricsEnabled() bool {
	return o.Metrics == nil || *o.Metrics
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini",
	// "ggml-base.en.bin").
	Model string `yaml:"model"`

	// Language is a BCP-47 hint for ASR engines. Empty means auto-detect.
	Language string `yaml:"language"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// ─── Client ──────────────────────────────────────────────────────────────────

// Client defaults.
const (
	DefaultEndpoint          = "ws://127.0.0.1:8000/ws"
	DefaultSampleRate        = 48000
	DefaultQueueSize         = 50
	DefaultInitialBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
	DefaultJitter            = 0.2
	DefaultPingInterval      = 5 * time.Second
	DefaultPongTimeout       = 10 * time.Second
	DefaultCorrectionWait    = 5 * time.Second
	DefaultFFmpegPath        = "ffmpeg"
	DefaultInputFormat       = "pulse"
	DefaultAudioDevice       = "default"
	DefaultHotkeyKind        = "stdin"
	DefaultInjectorKind      = "xdotool"
)

// ClientConfig is the root configuration of the ghosttype client daemon.
type ClientConfig struct {
	LogLevel  LogLevel        `yaml:"log_level"`
	Hotkey    HotkeyConfig    `yaml:"hotkey"`
	Audio     AudioConfig     `yaml:"audio"`
	Transport TransportConfig `yaml:"transport"`
	Session   SessionConfig   `yaml:"session"`
	Injector  InjectorConfig  `yaml:"injector"`
}

// HotkeyConfig selects the push-to-talk source.
type HotkeyConfig struct {
	// Kind is "stdin": each Enter toggles between pressed and released.
	Kind string `yaml:"kind"`
}

// AudioConfig configures microphone capture through ffmpeg.
type AudioConfig struct {
	Device      string `yaml:"device"`
	InputFormat string `yaml:"input_format"`
	SampleRate  int    `yaml:"sample_rate"`
	FFmpegPath  string `yaml:"ffmpeg_path"`

	// QueueSize bounds the encoded frames waiting to be sent. Default: 50.
	QueueSize int `yaml:"queue_size"`

	// Bitrate is the Opus target bitrate in bits per second. Zero keeps the
	// encoder default.
	Bitrate int `yaml:"bitrate"`
}

// TransportConfig configures the websocket channel to the server.
type TransportConfig struct {
	// Endpoints are tried in order on every (re)connect.
	Endpoints      []string      `yaml:"endpoints"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// SessionConfig tunes the client session state machine.
type SessionConfig struct {
	// CorrectionTimeout is how long the client waits for a correction after
	// fast_text. Default: 5s.
	CorrectionTimeout time.Duration `yaml:"correction_timeout"`

	// UseCloudAPI asks the server to use its cloud ASR engine.
	UseCloudAPI bool `yaml:"use_cloud_api"`
}

// InjectorConfig selects how text reaches the focused application.
type InjectorConfig struct {
	// Kind is "xdotool" or "stdout".
	Kind string `yaml:"kind"`

	// Command overrides the xdotool binary path.
	Command string `yaml:"command"`
}
