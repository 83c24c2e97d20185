package platform

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

const windowQueryTimeout = 300 * time.Millisecond

// RunFunc executes an external command and returns its standard output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// XdotoolWindow reads the focused X11 window through xdotool. Failures yield
// an empty context rather than an error: recording must never depend on it.
type XdotoolWindow struct {
	path     string
	run      RunFunc
	readFile func(string) ([]byte, error)
}

// WindowOption configures an [XdotoolWindow].
type WindowOption func(*XdotoolWindow)

// WithWindowRunner replaces command execution. Intended for tests.
func WithWindowRunner(r RunFunc) WindowOption {
	return func(w *XdotoolWindow) { w.run = r }
}

// WithProcFS replaces the reader used for /proc lookups. Intended for tests.
func WithProcFS(read func(string) ([]byte, error)) WindowOption {
	return func(w *XdotoolWindow) { w.readFile = read }
}

// NewXdotoolWindow returns a window context provider.
func NewXdotoolWindow(opts ...WindowOption) *XdotoolWindow {
	w := &XdotoolWindow{path: "xdotool", run: execOutput, readFile: os.ReadFile}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Snapshot returns the focused window's application name and title.
func (w *XdotoolWindow) Snapshot(ctx context.Context) protocol.Context {
	ctx, cancel := context.WithTimeout(ctx, windowQueryTimeout)
	defer cancel()

	var cx protocol.Context
	if out, err := w.run(ctx, w.path, "getactivewindow", "getwindowname"); err == nil {
		cx.WindowTitle = strings.TrimSpace(string(out))
	} else {
		slog.Debug("platform: window title unavailable", "err", err)
		return cx
	}
	out, err := w.run(ctx, w.path, "getactivewindow", "getwindowpid")
	if err != nil {
		return cx
	}
	pid := strings.TrimSpace(string(out))
	if comm, err := w.readFile(filepath.Join("/proc", pid, "comm")); err == nil {
		cx.AppName = string(bytes.TrimSpace(comm))
	}
	return cx
}
