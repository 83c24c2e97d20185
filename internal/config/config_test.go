package config_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/ghosttype/internal/config"
	"github.com/MrWong99/ghosttype/pkg/provider/llm"
	"github.com/MrWong99/ghosttype/pkg/provider/stt"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleServerYAML = `
server:
  listen_addr: ":9000"
  log_level: debug

limits:
  max_buffer_duration: 30s
  max_buffered_audio: 5m
  asr_workers: 2

asr:
  local:
    name: whisper
    base_url: http://127.0.0.1:8080
    language: en
  cloud:
    name: openai
    api_key: sk-test
    model: whisper-1

correction:
  timeout: 2s
  min_delay: 400ms
  vocabulary:
    - Kubernetes
    - GhostType
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  fallbacks:
    - name: ollama
      model: llama3.2

observe:
  metrics: false
`

const sampleClientYAML = `
log_level: warn
hotkey:
  kind: stdin
audio:
  device: hw:1
  sample_rate: 16000
  queue_size: 20
transport:
  endpoints:
    - ws://10.0.0.2:8000/ws
    - wss://dictate.example.com/ws
  initial_backoff: 100ms
  max_backoff: 2s
session:
  use_cloud_api: true
injector:
  kind: stdout
`

// ── Log level ────────────────────────────────────────────────────────────────

func TestLogLevel_Level(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.in.Level(); got != tc.want {
			t.Errorf("LogLevel(%q).Level() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// ── Server YAML loading ──────────────────────────────────────────────────────

func TestLoadServerFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadServerFromReader(strings.NewReader(sampleServerYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Limits.MaxBufferDuration != 30*time.Second {
		t.Errorf("limits.max_buffer_duration: got %s", cfg.Limits.MaxBufferDuration)
	}
	if cfg.Limits.ASRWorkers != 2 {
		t.Errorf("limits.asr_workers: got %d, want 2", cfg.Limits.ASRWorkers)
	}
	if cfg.ASR.Cloud.Model != "whisper-1" {
		t.Errorf("asr.cloud.model: got %q", cfg.ASR.Cloud.Model)
	}
	if cfg.ASR.Local.Language != "en" {
		t.Errorf("asr.local.language: got %q", cfg.ASR.Local.Language)
	}
	if cfg.Correction.MinDelay != 400*time.Millisecond {
		t.Errorf("correction.min_delay: got %s", cfg.Correction.MinDelay)
	}
	if len(cfg.Correction.Vocabulary) != 2 {
		t.Errorf("correction.vocabulary: got %v", cfg.Correction.Vocabulary)
	}
	if len(cfg.Correction.Fallbacks) != 1 || cfg.Correction.Fallbacks[0].Name != "ollama" {
		t.Errorf("correction.fallbacks: got %+v", cfg.Correction.Fallbacks)
	}
	if !cfg.Correction.IsEnabled() {
		t.Error("correction should default to enabled")
	}
	if cfg.Observe.MetricsEnabled() {
		t.Error("observe.metrics: expected false")
	}
}

func TestLoadServerFromReader_Defaults(t *testing.T) {
	t.Parallel()
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadServerFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", doc, err)
		}
		if cfg.Server.ListenAddr != config.DefaultListenAddr {
			t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
		}
		if cfg.Server.LogLevel != config.LogInfo {
			t.Errorf("log_level: got %q", cfg.Server.LogLevel)
		}
		if cfg.Limits.MaxBufferDuration != 60*time.Second {
			t.Errorf("max_buffer_duration: got %s", cfg.Limits.MaxBufferDuration)
		}
		if cfg.Limits.MaxBufferedAudio != 10*time.Minute {
			t.Errorf("max_buffered_audio: got %s", cfg.Limits.MaxBufferedAudio)
		}
		if cfg.Limits.ASRWorkers != config.DefaultASRWorkers {
			t.Errorf("asr_workers: got %d", cfg.Limits.ASRWorkers)
		}
		if cfg.ASR.Local.Name != "whisper" {
			t.Errorf("asr.local.name: got %q", cfg.ASR.Local.Name)
		}
		if cfg.Correction.Timeout != 3*time.Second {
			t.Errorf("correction.timeout: got %s", cfg.Correction.Timeout)
		}
		if cfg.Correction.MinDelay != 500*time.Millisecond {
			t.Errorf("correction.min_delay: got %s", cfg.Correction.MinDelay)
		}
		if !cfg.Observe.MetricsEnabled() {
			t.Error("metrics should default to enabled")
		}
	}
}

func TestLoadServerFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadServerFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestLoadServerFromReader_DumpDirEnvOverride(t *testing.T) {
	t.Setenv(config.DumpWAVDirEnv, "/tmp/ghosttype-dumps")
	cfg, err := config.LoadServerFromReader(strings.NewReader("server:\n  dump_wav_dir: /var/lib/dumps\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.DumpWAVDir != "/tmp/ghosttype-dumps" {
		t.Errorf("dump_wav_dir: got %q, want env override", cfg.Server.DumpWAVDir)
	}
}

// ── Server validation ────────────────────────────────────────────────────────

func TestServerValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"invalid log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"tls without key", "server:\n  tls:\n    cert_file: c.pem\n", "server.tls"},
		{"budget below session cap", "limits:\n  max_buffer_duration: 60s\n  max_buffered_audio: 30s\n", "max_buffered_audio"},
		{"negative workers", "limits:\n  asr_workers: -1\n", "asr_workers"},
		{"native without model", "asr:\n  local:\n    name: whisper-native\n", "asr.local.model"},
		{"bad base url", "asr:\n  local:\n    name: whisper\n    base_url: ftp://x\n", "asr.local.base_url"},
		{"delay not below timeout", "correction:\n  timeout: 1s\n  min_delay: 2s\n", "min_delay"},
		{"fallback without primary", "correction:\n  fallbacks:\n    - name: ollama\n", "correction.llm"},
		{"unnamed fallback", "correction:\n  llm:\n    name: openai\n  fallbacks:\n    - model: x\n", "fallbacks[0].name"},
		{"negative breaker", "asr:\n  circuit_breaker:\n    max_failures: -2\n", "max_failures"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadServerFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

func TestServerValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.ServerConfig{}
	cfg.ApplyDefaults()
	cfg.Server.LogLevel = "loud"
	cfg.Limits.ASRWorkers = -3

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	for _, want := range []string{"log_level", "asr_workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

// ── Client YAML loading ──────────────────────────────────────────────────────

func TestLoadClientFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadClientFromReader(strings.NewReader(sampleClientYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != config.LogWarn {
		t.Errorf("log_level: got %q", cfg.LogLevel)
	}
	if cfg.Audio.Device != "hw:1" || cfg.Audio.SampleRate != 16000 || cfg.Audio.QueueSize != 20 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Audio.InputFormat != config.DefaultInputFormat {
		t.Errorf("audio.input_format default: got %q", cfg.Audio.InputFormat)
	}
	if len(cfg.Transport.Endpoints) != 2 || cfg.Transport.Endpoints[1] != "wss://dictate.example.com/ws" {
		t.Errorf("transport.endpoints: got %v", cfg.Transport.Endpoints)
	}
	if cfg.Transport.InitialBackoff != 100*time.Millisecond || cfg.Transport.MaxBackoff != 2*time.Second {
		t.Errorf("transport backoff: got %s..%s", cfg.Transport.InitialBackoff, cfg.Transport.MaxBackoff)
	}
	if !cfg.Session.UseCloudAPI {
		t.Error("session.use_cloud_api: expected true")
	}
	if cfg.Injector.Kind != "stdout" {
		t.Errorf("injector.kind: got %q", cfg.Injector.Kind)
	}
}

func TestLoadClientFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadClientFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr := cfg.Transport
	if len(tr.Endpoints) != 1 || tr.Endpoints[0] != config.DefaultEndpoint {
		t.Errorf("endpoints: got %v", tr.Endpoints)
	}
	if tr.InitialBackoff != 200*time.Millisecond || tr.MaxBackoff != 5*time.Second {
		t.Errorf("backoff: got %s..%s", tr.InitialBackoff, tr.MaxBackoff)
	}
	if tr.Jitter != 0.2 {
		t.Errorf("jitter: got %v", tr.Jitter)
	}
	if tr.PingInterval != 5*time.Second || tr.PongTimeout != 10*time.Second {
		t.Errorf("heartbeat: got %s/%s", tr.PingInterval, tr.PongTimeout)
	}
	if cfg.Audio.SampleRate != 48000 || cfg.Audio.QueueSize != 50 {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Hotkey.Kind != "stdin" || cfg.Injector.Kind != "xdotool" {
		t.Errorf("kinds: hotkey=%q injector=%q", cfg.Hotkey.Kind, cfg.Injector.Kind)
	}
}

func TestClientValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"unsupported rate", "audio:\n  sample_rate: 44100\n", "audio.sample_rate"},
		{"http endpoint", "transport:\n  endpoints: [\"http://host/ws\"]\n", "transport.endpoints[0]"},
		{"endpoint without host", "transport:\n  endpoints: [\"ws:///ws\"]\n", "no host"},
		{"max below initial", "transport:\n  initial_backoff: 2s\n  max_backoff: 1s\n", "backoff"},
		{"jitter out of range", "transport:\n  jitter: 1.5\n", "jitter"},
		{"pong not after ping", "transport:\n  ping_interval: 10s\n  pong_timeout: 5s\n", "pong_timeout"},
		{"unknown injector", "injector:\n  kind: wayland\n", "injector.kind"},
		{"unknown hotkey", "hotkey:\n  kind: evdev\n", "hotkey.kind"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadClientFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error should mention %q, got: %v", tc.wantErr, err)
			}
		})
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	want := &stubLLM{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredSTT(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var gotEntry config.ProviderEntry
	reg.RegisterSTT("stub", func(e config.ProviderEntry) (stt.Provider, error) {
		gotEntry = e
		return stt.ProviderFunc(func(context.Context, []int16, int) (string, error) { return "", nil }), nil
	})
	if _, err := reg.CreateSTT(config.ProviderEntry{Name: "stub", Language: "de"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEntry.Language != "de" {
		t.Errorf("factory should receive the entry, got %+v", gotEntry)
	}
}

func TestRegistry_Names(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	for _, name := range []string{"ollama", "anthropic", "openai"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) { return &stubLLM{}, nil })
	}
	got := reg.LLMNames()
	want := []string{"anthropic", "ollama", "openai"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("LLMNames() = %v, want %v", got, want)
	}
	if len(reg.STTNames()) != 0 {
		t.Errorf("STTNames() = %v, want empty", reg.STTNames())
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// stubLLM implements llm.Provider with a no-op Complete.
type stubLLM struct{}

func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
