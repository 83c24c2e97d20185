// Package platform adapts the desktop to the client: hotkey edges and the
// focused-window snapshot sent with every recording.
package platform

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// HotkeyHandler receives push-to-talk edges.
type HotkeyHandler interface {
	HotkeyDown()
	HotkeyUp()
}

// Hotkey delivers push-to-talk edges to a handler until ctx ends.
type Hotkey interface {
	Run(ctx context.Context, h HotkeyHandler) error
}

// LineHotkey toggles recording on every line read from r: the first Enter
// presses the key, the next one releases it.
type LineHotkey struct {
	r io.Reader
}

var _ Hotkey = (*LineHotkey)(nil)

// NewLineHotkey returns a hotkey reading lines from r, usually os.Stdin.
func NewLineHotkey(r io.Reader) *LineHotkey {
	return &LineHotkey{r: r}
}

// Run implements [Hotkey]. It returns nil when r reaches EOF. If recording is
// active at that point the key is released first.
func (k *LineHotkey) Run(ctx context.Context, h HotkeyHandler) error {
	lines := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(k.r)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	down := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lines:
			down = !down
			if down {
				slog.Debug("hotkey: down")
				h.HotkeyDown()
			} else {
				slog.Debug("hotkey: up")
				h.HotkeyUp()
			}
		case err := <-errc:
			if down {
				h.HotkeyUp()
			}
			if err != nil {
				return fmt.Errorf("platform: read hotkey: %w", err)
			}
			return nil
		}
	}
}
