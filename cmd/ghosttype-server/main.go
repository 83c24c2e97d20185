// Command ghosttype-server is the GhostType recognition server: it accepts
// push-to-talk sessions over websocket, transcribes them and streams back the
// fast transcript followed by an optional correction.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/ghosttype/internal/config"
	"github.com/MrWong99/ghosttype/internal/correction"
	"github.com/MrWong99/ghosttype/internal/health"
	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/internal/resilience"
	"github.com/MrWong99/ghosttype/internal/server"
	"github.com/MrWong99/ghosttype/pkg/provider/llm"
	"github.com/MrWong99/ghosttype/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/ghosttype/pkg/provider/llm/openai"
	"github.com/MrWong99/ghosttype/pkg/provider/stt"
	oastt "github.com/MrWong99/ghosttype/pkg/provider/stt/openai"
	"github.com/MrWong99/ghosttype/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "server.yaml", "path to the YAML server configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "ghosttype-server: config file %q not found; copy configs/server.example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "ghosttype-server: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("ghosttype-server starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var metrics *observe.Metrics
	if cfg.Observe.MetricsEnabled() {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "ghosttype-server"})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
		metrics = observe.DefaultMetrics()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Recognition engines ───────────────────────────────────────────────────
	local, err := buildEngine(reg, cfg.ASR.Local, cfg.ASR.CircuitBreaker)
	if err != nil {
		slog.Error("failed to build local ASR engine", "err", err)
		return 1
	}
	var cloud *resilience.STTGuard
	if cfg.ASR.Cloud.Name != "" {
		if cloud, err = buildEngine(reg, cfg.ASR.Cloud, cfg.ASR.CircuitBreaker); err != nil {
			slog.Error("failed to build cloud ASR engine", "err", err)
			return 1
		}
	}

	// ── Correction ────────────────────────────────────────────────────────────
	vocabulary := correction.NewVocabulary(cfg.Correction.Vocabulary)
	scheduler, llmFallback, err := buildCorrection(reg, cfg.Correction, vocabulary, metrics)
	if err != nil {
		slog.Error("failed to build correction", "err", err)
		return 1
	}

	// ── Server ────────────────────────────────────────────────────────────────
	limits := server.NewLimits(cfg.Limits.MaxBufferDuration, cfg.Limits.MaxBufferedAudio, cfg.Limits.ASRWorkers)

	popts := []server.PipelineOption{server.WithDumpDir(cfg.Server.DumpWAVDir)}
	if cloud != nil {
		popts = append(popts, server.WithCloudEngine(cloud))
	}
	if scheduler != nil {
		popts = append(popts, server.WithCorrection(scheduler))
	}
	var hopts []server.HandlerOption
	if metrics != nil {
		popts = append(popts, server.WithPipelineMetrics(metrics))
		hopts = append(hopts, server.WithHandlerMetrics(metrics))
	}
	pipeline := server.NewPipeline(local, limits, popts...)

	checkers := []health.Checker{{Name: "asr.local", Check: pipeline.Ready}}
	if llmFallback != nil {
		checkers = append(checkers, health.Checker{Name: "correction", Check: func(context.Context) error {
			if !llmFallback.Healthy() {
				return errors.New("all correction backends unavailable")
			}
			return nil
		}})
	}

	sopts := []server.Option{
		server.WithAddr(cfg.Server.ListenAddr),
		server.WithHealthCheckers(checkers...),
	}
	if cfg.Server.TLS != nil {
		sopts = append(sopts, server.WithTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile))
	}
	if metrics != nil {
		sopts = append(sopts, server.WithMetrics(metrics, true))
	}
	srv := server.New(server.NewHandler(limits, pipeline, hopts...), sopts...)

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.ServerConfig) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.VocabularyChanged {
			vocabulary.SetTerms(d.NewVocabulary)
			slog.Info("vocabulary reloaded", "terms", len(d.NewVocabulary))
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes require a restart", "sections", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready; press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider category names to the implementations that
// ship with GhostType. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native", "openai"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// OpenAI and every OpenAI-compatible endpoint go through the official SDK.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllm.Backends() {
		if providerName == "openai" || providerName == "ollama" {
			continue
		}
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := language(entry); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, whisper.WithPrompt(prompt))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := language(entry); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "concurrency"); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := language(entry); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oastt.WithPrompt(prompt))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildEngine creates the STT provider named by entry and guards it with a
// circuit breaker.
func buildEngine(reg *config.Registry, entry config.ProviderEntry, bc config.BreakerConfig) (*resilience.STTGuard, error) {
	p, err := reg.CreateSTT(entry)
	if err != nil {
		return nil, fmt.Errorf("create stt provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "stt", "name", entry.Name, "model", entry.Model)
	return resilience.NewSTTGuard(p, entry.Name, breakerConfig(entry.Name, bc)), nil
}

// buildCorrection assembles the correction chain: vocabulary first, then the
// LLM with its fallbacks. It returns a nil scheduler when correction is
// disabled.
func buildCorrection(reg *config.Registry, cc config.CorrectionConfig, vocabulary *correction.Vocabulary, metrics *observe.Metrics) (*correction.Scheduler, *resilience.LLMFallback, error) {
	if !cc.IsEnabled() {
		slog.Info("correction disabled")
		return nil, nil, nil
	}

	chain := correction.Chain{vocabulary}
	var fallback *resilience.LLMFallback
	if cc.LLM.Name != "" {
		primary, err := reg.CreateLLM(cc.LLM)
		if err != nil {
			return nil, nil, fmt.Errorf("create llm provider %q: %w", cc.LLM.Name, err)
		}
		slog.Info("provider created", "kind", "llm", "name", cc.LLM.Name, "model", cc.LLM.Model)

		fallback = resilience.NewLLMFallback(primary, cc.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: breakerConfig(cc.LLM.Name, cc.CircuitBreaker),
		})
		for _, fb := range cc.Fallbacks {
			p, err := reg.CreateLLM(fb)
			if errors.Is(err, config.ErrProviderNotRegistered) {
				slog.Warn("fallback provider not registered; skipping", "name", fb.Name)
				continue
			} else if err != nil {
				return nil, nil, fmt.Errorf("create fallback llm %q: %w", fb.Name, err)
			}
			fallback.AddFallback(fb.Name, p)
			slog.Info("fallback provider added", "kind", "llm", "name", fb.Name)
		}

		var lopts []correction.LLMOption
		if cc.SystemPrompt != "" {
			lopts = append(lopts, correction.WithSystemPrompt(cc.SystemPrompt))
		}
		chain = append(chain, correction.NewLLMCorrector(fallback, lopts...))
	}

	sopts := []correction.SchedulerOption{
		correction.WithTimeout(cc.Timeout),
		correction.WithMinDelay(cc.MinDelay),
	}
	if metrics != nil {
		sopts = append(sopts, correction.WithMetrics(metrics))
	}
	return correction.NewScheduler(chain, sopts...), fallback, nil
}

func breakerConfig(name string, bc config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.ServerConfig) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       GhostType — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Listen", cfg.Server.ListenAddr)
	printRow("ASR local", provider(cfg.ASR.Local))
	printRow("ASR cloud", provider(cfg.ASR.Cloud))
	if cfg.Correction.IsEnabled() {
		printRow("Correction", provider(cfg.Correction.LLM))
		printRow("Vocabulary", fmt.Sprintf("%d terms", len(cfg.Correction.Vocabulary)))
	} else {
		printRow("Correction", "(disabled)")
	}
	printRow("Session cap", cfg.Limits.MaxBufferDuration.String())
	printRow("ASR workers", fmt.Sprint(cfg.Limits.ASRWorkers))
	if cfg.Server.DumpWAVDir != "" {
		printRow("WAV dumps", cfg.Server.DumpWAVDir)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func provider(entry config.ProviderEntry) string {
	switch {
	case entry.Name == "":
		return "(not configured)"
	case entry.Model != "":
		return entry.Name + " / " + entry.Model
	default:
		return entry.Name
	}
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:18]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// language returns the entry's language, falling back to options.language.
func language(entry config.ProviderEntry) string {
	if entry.Language != "" {
		return entry.Language
	}
	return strings.TrimSpace(optString(entry.Options, "language"))
}

// optString reads a string provider option; missing or mistyped values read
// as "".
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt reads an integer provider option. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	n, _ := opts[key].(int)
	return n
}
