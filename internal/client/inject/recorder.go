package inject

import (
	"context"
	"sync"
)

// Recorder is an [Injector] that records every command and keeps a model of
// the resulting text, as if typed into an empty text field.
type Recorder struct {
	mu sync.Mutex

	// Err, when non-nil, is returned by Execute and the command is not
	// applied.
	Err error

	commands []Command
	text     []rune
}

var _ Injector = (*Recorder)(nil)

// Execute implements [Injector].
func (r *Recorder) Execute(_ context.Context, cmd Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, cmd)
	if r.Err != nil {
		return r.Err
	}
	if cmd.Kind == KindReplace {
		n := min(cmd.Backspaces, len(r.text))
		r.text = r.text[:len(r.text)-n]
	}
	r.text = append(r.text, []rune(cmd.Text)...)
	return nil
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}

// Text returns the modelled field contents.
func (r *Recorder) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.text)
}
