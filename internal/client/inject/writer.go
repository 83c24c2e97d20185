package inject

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Writer "types" into an io.Writer such as a terminal. Backspaces are
// rendered as "\b \b" so a terminal visually erases the characters.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

var _ Injector = (*Writer)(nil)

// NewWriter returns an injector writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Execute implements [Injector].
func (w *Writer) Execute(_ context.Context, cmd Command) error {
	var b strings.Builder
	if cmd.Kind == KindReplace {
		b.WriteString(strings.Repeat("\b \b", cmd.Backspaces))
	}
	b.WriteString(cmd.Text)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := io.WriteString(w.w, b.String()); err != nil {
		return fmt.Errorf("inject: write: %w", err)
	}
	return nil
}
