package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/ghosttype/pkg/audio/opus"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by validation to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai"},
}

// ValidHotkeyKinds lists the supported push-to-talk sources.
var ValidHotkeyKinds = []string{"stdin"}

// ValidInjectorKinds lists the supported text injectors.
var ValidInjectorKinds = []string{"xdotool", "stdout"}

// ─── Server ──────────────────────────────────────────────────────────────────

// LoadServer reads the YAML server configuration at path and returns a
// defaulted, validated [ServerConfig].
func LoadServer(path string) (*ServerConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadServerFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadServerFromReader decodes a YAML server config from r, applies defaults
// and environment overrides, and validates the result. An empty document
// yields the all-default configuration.
func LoadServerFromReader(r io.Reader) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults and applies the
// GHOSTTYPE_DUMP_WAV_DIR override.
func (c *ServerConfig) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if dir := os.Getenv(DumpWAVDirEnv); dir != "" {
		c.Server.DumpWAVDir = dir
	}
	if c.Limits.MaxBufferDuration == 0 {
		c.Limits.MaxBufferDuration = DefaultMaxBufferDuration
	}
	if c.Limits.MaxBufferedAudio == 0 {
		c.Limits.MaxBufferedAudio = DefaultMaxBufferedAudio
	}
	if c.Limits.ASRWorkers == 0 {
		c.Limits.ASRWorkers = DefaultASRWorkers
	}
	if c.ASR.Local.Name == "" {
		c.ASR.Local.Name = "whisper"
	}
	if c.ASR.Local.Name == "whisper" && c.ASR.Local.BaseURL == "" {
		c.ASR.Local.BaseURL = "http://127.0.0.1:8080"
	}
	if c.Correction.Timeout == 0 {
		c.Correction.Timeout = DefaultCorrectionTimeout
	}
	if c.Correction.MinDelay == 0 {
		c.Correction.MinDelay = DefaultCorrectionDelay
	}
}

// Validate checks that c contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func (c *ServerConfig) Validate() error {
	var errs []error

	if !c.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", c.Server.LogLevel))
	}
	if tls := c.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if c.Limits.MaxBufferDuration < 0 {
		errs = append(errs, fmt.Errorf("limits.max_buffer_duration %s must be positive", c.Limits.MaxBufferDuration))
	}
	if c.Limits.MaxBufferedAudio < c.Limits.MaxBufferDuration {
		errs = append(errs, fmt.Errorf("limits.max_buffered_audio %s must be at least limits.max_buffer_duration %s",
			c.Limits.MaxBufferedAudio, c.Limits.MaxBufferDuration))
	}
	if c.Limits.ASRWorkers < 0 {
		errs = append(errs, fmt.Errorf("limits.asr_workers %d must be positive", c.Limits.ASRWorkers))
	}

	validateProviderName("stt", c.ASR.Local.Name)
	validateProviderName("stt", c.ASR.Cloud.Name)
	if c.ASR.Local.Name == "whisper-native" && c.ASR.Local.Model == "" {
		errs = append(errs, errors.New("asr.local.model is required for whisper-native (path to a ggml model file)"))
	}
	if c.ASR.Local.BaseURL != "" {
		if err := validateURL(c.ASR.Local.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("asr.local.base_url: %w", err))
		}
	}
	errs = append(errs, validateBreaker("asr.circuit_breaker", c.ASR.CircuitBreaker)...)

	if c.Correction.Timeout < 0 {
		errs = append(errs, fmt.Errorf("correction.timeout %s must be positive", c.Correction.Timeout))
	}
	if c.Correction.MinDelay < 0 {
		errs = append(errs, fmt.Errorf("correction.min_delay %s must be positive", c.Correction.MinDelay))
	}
	if c.Correction.MinDelay >= c.Correction.Timeout && c.Correction.Timeout > 0 {
		errs = append(errs, fmt.Errorf("correction.min_delay %s must be shorter than correction.timeout %s",
			c.Correction.MinDelay, c.Correction.Timeout))
	}
	validateProviderName("llm", c.Correction.LLM.Name)
	for i, fb := range c.Correction.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("correction.fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(c.Correction.Fallbacks) > 0 && c.Correction.LLM.Name == "" {
		errs = append(errs, errors.New("correction.fallbacks requires correction.llm to be configured"))
	}
	errs = append(errs, validateBreaker("correction.circuit_breaker", c.Correction.CircuitBreaker)...)

	if c.Correction.IsEnabled() && c.Correction.LLM.Name == "" && len(c.Correction.Vocabulary) == 0 {
		slog.Warn("correction is enabled but neither correction.llm nor correction.vocabulary is set; no corrections will be sent")
	}

	return errors.Join(errs...)
}

// ─── Client ──────────────────────────────────────────────────────────────────

// LoadClient reads the YAML client configuration at path and returns a
// defaulted, validated [ClientConfig].
func LoadClient(path string) (*ClientConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadClientFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadClientFromReader decodes a YAML client config from r, applies defaults,
// and validates the result.
func LoadClientFromReader(r io.Reader) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := decode(r, cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *ClientConfig) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = LogInfo
	}
	if c.Hotkey.Kind == "" {
		c.Hotkey.Kind = DefaultHotkeyKind
	}
	if c.Audio.Device == "" {
		c.Audio.Device = DefaultAudioDevice
	}
	if c.Audio.InputFormat == "" {
		c.Audio.InputFormat = DefaultInputFormat
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.FFmpegPath == "" {
		c.Audio.FFmpegPath = DefaultFFmpegPath
	}
	if c.Audio.QueueSize == 0 {
		c.Audio.QueueSize = DefaultQueueSize
	}
	if len(c.Transport.Endpoints) == 0 {
		c.Transport.Endpoints = []string{DefaultEndpoint}
	}
	if c.Transport.InitialBackoff == 0 {
		c.Transport.InitialBackoff = DefaultInitialBackoff
	}
	if c.Transport.MaxBackoff == 0 {
		c.Transport.MaxBackoff = DefaultMaxBackoff
	}
	if c.Transport.Jitter == 0 {
		c.Transport.Jitter = DefaultJitter
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PongTimeout == 0 {
		c.Transport.PongTimeout = DefaultPongTimeout
	}
	if c.Session.CorrectionTimeout == 0 {
		c.Session.CorrectionTimeout = DefaultCorrectionWait
	}
	if c.Injector.Kind == "" {
		c.Injector.Kind = DefaultInjectorKind
	}
}

// Validate checks that c contains a coherent set of values.
func (c *ClientConfig) Validate() error {
	var errs []error

	if !c.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", c.LogLevel))
	}
	if !slices.Contains(ValidHotkeyKinds, c.Hotkey.Kind) {
		errs = append(errs, fmt.Errorf("hotkey.kind %q is invalid; valid values: %v", c.Hotkey.Kind, ValidHotkeyKinds))
	}
	if !slices.Contains(ValidInjectorKinds, c.Injector.Kind) {
		errs = append(errs, fmt.Errorf("injector.kind %q is invalid; valid values: %v", c.Injector.Kind, ValidInjectorKinds))
	}
	if !opus.ValidSampleRate(c.Audio.SampleRate) {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported; valid values: %v", c.Audio.SampleRate, opus.SupportedRates))
	}
	if c.Audio.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("audio.queue_size %d must be positive", c.Audio.QueueSize))
	}
	for i, ep := range c.Transport.Endpoints {
		if err := validateURL(ep, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("transport.endpoints[%d]: %w", i, err))
		}
	}
	if c.Transport.InitialBackoff < 0 || c.Transport.MaxBackoff < c.Transport.InitialBackoff {
		errs = append(errs, fmt.Errorf("transport backoff must satisfy 0 < initial_backoff (%s) <= max_backoff (%s)",
			c.Transport.InitialBackoff, c.Transport.MaxBackoff))
	}
	if c.Transport.Jitter < 0 || c.Transport.Jitter > 1 {
		errs = append(errs, fmt.Errorf("transport.jitter %.2f is out of range [0, 1]", c.Transport.Jitter))
	}
	if c.Transport.PongTimeout <= c.Transport.PingInterval {
		errs = append(errs, fmt.Errorf("transport.pong_timeout %s must be longer than transport.ping_interval %s",
			c.Transport.PongTimeout, c.Transport.PingInterval))
	}
	if c.Session.CorrectionTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.correction_timeout %s must be positive", c.Session.CorrectionTimeout))
	}

	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func decode(r io.Reader, out any) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

func validateBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must be positive", prefix, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout %s must be positive", prefix, b.ResetTimeout))
	}
	return errs
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("url %q must use one of the schemes %v", raw, schemes)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
