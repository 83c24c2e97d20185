// Package app wires the GhostType client subsystems into a running dictation
// daemon.
//
// The App struct owns the full lifecycle: New builds every subsystem from the
// client config, Run drives them until the context ends, and Shutdown
// releases what Run left behind.
//
// For testing, inject doubles via functional options (WithSource,
// WithInjector, WithHotkey, ...). When an option is not provided, New creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ghosttype/internal/client/capture"
	"github.com/MrWong99/ghosttype/internal/client/inject"
	"github.com/MrWong99/ghosttype/internal/client/platform"
	"github.com/MrWong99/ghosttype/internal/client/session"
	"github.com/MrWong99/ghosttype/internal/client/transport"
	"github.com/MrWong99/ghosttype/internal/config"
	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/pkg/audio"
	"github.com/MrWong99/ghosttype/pkg/audio/ffmpeg"
	"github.com/MrWong99/ghosttype/pkg/audio/opus"
)

// App owns all client subsystem lifetimes.
type App struct {
	cfg *config.ClientConfig

	// Subsystems — built in New, driven by Run.
	source     audio.Source
	newEncoder capture.EncoderFactory
	injector   inject.Injector
	hotkey     platform.Hotkey
	contexts   session.ContextSource
	dial       transport.DialFunc
	metrics    *observe.Metrics

	channel *transport.Channel
	pump    *capture.Pump
	machine *session.Machine

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects an audio source instead of ffmpeg capture.
func WithSource(s audio.Source) Option {
	return func(a *App) { a.source = s }
}

// WithEncoderFactory injects the frame encoder instead of Opus.
func WithEncoderFactory(f capture.EncoderFactory) Option {
	return func(a *App) { a.newEncoder = f }
}

// WithInjector injects the text injector instead of the configured one.
func WithInjector(i inject.Injector) Option {
	return func(a *App) { a.injector = i }
}

// WithHotkey injects the push-to-talk source instead of stdin.
func WithHotkey(h platform.Hotkey) Option {
	return func(a *App) { a.hotkey = h }
}

// WithContextSource injects the focused-window provider instead of xdotool.
func WithContextSource(c session.ContextSource) Option {
	return func(a *App) { a.contexts = c }
}

// WithDialer injects the websocket dialer.
func WithDialer(d transport.DialFunc) Option {
	return func(a *App) { a.dial = d }
}

// WithMetrics records client metrics (dropped frames).
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg, which must already be defaulted and
// validated (see [config.LoadClient]).
func New(cfg *config.ClientConfig, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Audio ─────────────────────────────────────────────────────────
	if a.source == nil {
		a.source = ffmpeg.New(
			ffmpeg.WithCommand(cfg.Audio.FFmpegPath),
			ffmpeg.WithInputFormat(cfg.Audio.InputFormat),
			ffmpeg.WithDevice(cfg.Audio.Device),
			ffmpeg.WithSampleRate(cfg.Audio.SampleRate),
		)
	}
	a.closers = append(a.closers, a.source.Stop)
	if a.newEncoder == nil {
		bitrate := cfg.Audio.Bitrate
		a.newEncoder = func(rate int) (audio.Encoder, error) {
			enc, err := opus.NewEncoder(rate, opus.WithBitrate(bitrate))
			if err != nil {
				return nil, err
			}
			return enc, nil
		}
	}

	// ── 2. Desktop ───────────────────────────────────────────────────────
	if a.injector == nil {
		a.injector = newInjector(cfg.Injector)
	}
	if a.hotkey == nil {
		a.hotkey = platform.NewLineHotkey(os.Stdin)
	}
	if a.contexts == nil {
		a.contexts = platform.NewXdotoolWindow()
	}

	// ── 3. Transport ─────────────────────────────────────────────────────
	topts := []transport.Option{
		transport.WithBackoff(transport.Backoff{
			Initial: cfg.Transport.InitialBackoff,
			Max:     cfg.Transport.MaxBackoff,
			Jitter:  cfg.Transport.Jitter,
		}),
		transport.WithHeartbeat(cfg.Transport.PingInterval, cfg.Transport.PongTimeout),
	}
	if a.dial != nil {
		topts = append(topts, transport.WithDialer(a.dial))
	}
	ch, err := transport.New(cfg.Transport.Endpoints, topts...)
	if err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	a.channel = ch

	// ── 4. Capture pump and session machine ──────────────────────────────
	popts := []capture.Option{capture.WithQueueSize(cfg.Audio.QueueSize)}
	if a.metrics != nil {
		popts = append(popts, capture.WithMetrics(a.metrics))
	}
	a.pump = capture.New(a.source, a.newEncoder, a.channel, popts...)
	a.machine = session.New(a.channel, a.pump, a.injector, a.source.SampleRate(),
		session.WithCorrectionWait(cfg.Session.CorrectionTimeout),
		session.WithCloudAPI(cfg.Session.UseCloudAPI),
		session.WithContextSource(a.contexts),
	)

	slog.Info("client initialised",
		"endpoints", cfg.Transport.Endpoints,
		"sample_rate", a.source.SampleRate(),
		"injector", cfg.Injector.Kind,
	)
	return a, nil
}

// newInjector builds the configured injector. xdotool falls back to stdout
// when the binary is missing.
func newInjector(cfg config.InjectorConfig) inject.Injector {
	if cfg.Kind == "xdotool" {
		x := inject.NewXdotool(inject.WithXdotoolPath(cfg.Command))
		if x.Available() {
			return x
		}
		slog.Warn("xdotool not found; typing to stdout instead", "command", cfg.Command)
	}
	return inject.NewWriter(os.Stdout)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the server and processes hotkey and network events until
// ctx is cancelled. The hotkey reaching end of input does not stop the App.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.channel.Run(ctx) })
	g.Go(func() error { return a.machine.Run(ctx) })
	g.Go(func() error { return a.forward(ctx) })
	g.Go(func() error {
		if err := a.hotkey.Run(ctx, a.machine); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("app: hotkey: %w", err)
		}
		slog.Debug("hotkey input ended")
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// forward routes transport events into the session machine.
func (a *App) forward(ctx context.Context) error {
	for ev := range a.channel.Events() {
		switch ev.Kind {
		case transport.EventMessage:
			a.machine.Deliver(ev.Message)
		case transport.EventDisconnected:
			a.machine.Disconnected(ev.Err)
		case transport.EventConnected:
			slog.Info("connected to server", "endpoint", ev.Endpoint)
		}
	}
	return ctx.Err()
}

// State returns the session state. Intended for status reporting and tests.
func (a *App) State() session.State { return a.machine.State() }

// Connection returns the transport state.
func (a *App) Connection() transport.State { return a.channel.State() }

// DroppedFrames returns the number of audio frames lost to a full queue.
func (a *App) DroppedFrames() uint64 { return a.pump.Dropped() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases resources. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
