// Package inject turns transcript updates into keystrokes in the focused
// application.
//
// The session state machine emits [Command] values; an [Injector] executes
// them. [Xdotool] drives an X11 desktop, [Writer] prints to a terminal or
// log, and [Recorder] keeps an in-memory model of the typed text for tests.
package inject

import (
	"context"
	"fmt"
)

// Kind discriminates [Command] values.
type Kind int

const (
	// KindInject types Text at the cursor.
	KindInject Kind = iota + 1
	// KindReplace deletes Backspaces code points before the cursor and then
	// types Text.
	KindReplace
)

func (k Kind) String() string {
	switch k {
	case KindInject:
		return "inject"
	case KindReplace:
		return "replace"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one keyboard action.
type Command struct {
	Kind       Kind
	Backspaces int
	Text       string
}

// Inject returns a command that types text.
func Inject(text string) Command {
	return Command{Kind: KindInject, Text: text}
}

// Replace returns a command that erases n code points and types text.
func Replace(n int, text string) Command {
	return Command{Kind: KindReplace, Backspaces: max(n, 0), Text: text}
}

// Injector executes keyboard commands.
//
// Implementations must be safe for concurrent use, although the session
// machine only ever calls them from one goroutine.
type Injector interface {
	Execute(ctx context.Context, cmd Command) error
}
