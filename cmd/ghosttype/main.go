// Command ghosttype is the GhostType dictation client: hold the hotkey, speak,
// and the transcript is typed into the focused window.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/ghosttype/internal/app"
	"github.com/MrWong99/ghosttype/internal/config"
)

const (
	defaultConfigPath = "client.yaml"
	shutdownTimeout   = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "client configuration file (YAML)")
	endpoint := flag.String("endpoint", "", "single server URL, replaces transport.endpoints")
	flag.Parse()

	cfg, err := clientConfig(*configPath, *endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ghosttype: %v\n", err)
		return 1
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel.Level()})))
	slog.Info("client configured",
		"config", *configPath,
		"endpoints", cfg.Transport.Endpoints,
		"hotkey", cfg.Hotkey.Kind,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := app.New(cfg)
	if err != nil {
		slog.Error("client setup failed", "err", err)
		return 1
	}

	fmt.Fprintln(os.Stderr, "ghosttype: Enter starts recording, Enter again sends it. Ctrl+C quits.")

	code := 0
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("client stopped", "err", err)
		code = 1
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Shutdown(sctx); err != nil {
		slog.Error("client shutdown", "err", err)
		code = 1
	}
	slog.Info("client exited", "dropped_frames", client.DroppedFrames())
	return code
}

// clientConfig loads path, falling back to defaults when the default file is
// absent, and applies the -endpoint override.
func clientConfig(path, endpoint string) (*config.ClientConfig, error) {
	cfg, err := config.LoadClient(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		cfg = &config.ClientConfig{}
		cfg.ApplyDefaults()
	case err != nil:
		return nil, err
	}
	if endpoint == "" {
		return cfg, nil
	}
	cfg.Transport.Endpoints = []string{endpoint}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
