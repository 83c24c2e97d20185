package inject

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// RunFunc executes an external command and returns its combined output.
type RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRun runs the command with os/exec.
func ExecRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Xdotool types through the xdotool utility.
type Xdotool struct {
	path string
	run  RunFunc
}

var _ Injector = (*Xdotool)(nil)

// XdotoolOption configures an [Xdotool].
type XdotoolOption func(*Xdotool)

// WithXdotoolPath overrides the xdotool binary.
func WithXdotoolPath(path string) XdotoolOption {
	return func(x *Xdotool) {
		if path != "" {
			x.path = path
		}
	}
}

// WithRunner replaces command execution. Intended for tests.
func WithRunner(r RunFunc) XdotoolOption {
	return func(x *Xdotool) { x.run = r }
}

// NewXdotool returns an xdotool injector.
func NewXdotool(opts ...XdotoolOption) *Xdotool {
	x := &Xdotool{path: "xdotool", run: ExecRun}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Available reports whether the xdotool binary can be found.
func (x *Xdotool) Available() bool {
	_, err := exec.LookPath(x.path)
	return err == nil
}

// Execute implements [Injector].
func (x *Xdotool) Execute(ctx context.Context, cmd Command) error {
	if cmd.Kind == KindReplace && cmd.Backspaces > 0 {
		args := []string{"key", "--clearmodifiers", "--delay", "0", "--repeat", strconv.Itoa(cmd.Backspaces), "BackSpace"}
		if out, err := x.run(ctx, x.path, args...); err != nil {
			return fmt.Errorf("inject: xdotool backspace: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	if cmd.Text == "" {
		return nil
	}
	args := []string{"type", "--clearmodifiers", "--delay", "0", "--", cmd.Text}
	if out, err := x.run(ctx, x.path, args...); err != nil {
		return fmt.Errorf("inject: xdotool type: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
