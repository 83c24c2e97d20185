package server

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/ghosttype/pkg/audio"
	audiomock "github.com/MrWong99/ghosttype/pkg/audio/mock"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

func mockDecoders(int) (audio.Decoder, error) { return &audiomock.Decoder{}, nil }

func startMsg(id string) protocol.Start {
	return protocol.Start{TraceID: id, SampleRate: 48000}
}

func TestRegistry_StartAndLookup(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewLimits(time.Second, 10*time.Second, 1), mockDecoders)

	sess, replaced, err := reg.Start(startMsg("a"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if replaced != nil {
		t.Error("nothing should be replaced")
	}
	if reg.Active("a") != sess || reg.Current() != sess {
		t.Error("session not active after Start")
	}
	if reg.Active("b") != nil {
		t.Error("Active must not match a different trace id")
	}
}

func TestRegistry_StartReplacesActive(t *testing.T) {
	t.Parallel()
	opened, closed := 0, 0
	reg := NewRegistry(NewLimits(time.Second, 10*time.Second, 1), mockDecoders,
		WithSessionHooks(func() { opened++ }, func() { closed++ }))

	first, _, _ := reg.Start(startMsg("a"))
	second, replaced, err := reg.Start(startMsg("b"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if replaced != first {
		t.Fatal("first session should be reported as replaced")
	}
	if !first.Closed() {
		t.Error("replaced session should be closed")
	}
	if reg.Current() != second {
		t.Error("new session should be current")
	}
	if opened != 2 || closed != 1 {
		t.Errorf("hooks: opened=%d closed=%d", opened, closed)
	}
}

func TestRegistry_StartRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		msg     protocol.Start
		wantErr error
	}{
		{"unsupported rate", protocol.Start{TraceID: "x", SampleRate: 44100}, ErrInvalidStart},
		{"missing trace id", protocol.Start{SampleRate: 16000}, ErrInvalidStart},
		{"zero rate", protocol.Start{TraceID: "x"}, ErrInvalidStart},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			reg := NewRegistry(NewLimits(time.Second, 10*time.Second, 1), mockDecoders)
			if _, _, err := reg.Start(tc.msg); !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			if reg.Current() != nil {
				t.Error("no session should be active")
			}
		})
	}
}

func TestRegistry_BudgetSharedAcrossRegistries(t *testing.T) {
	t.Parallel()
	limits := NewLimits(time.Second, time.Second, 1)
	a := NewRegistry(limits, mockDecoders)
	b := NewRegistry(limits, mockDecoders)

	if _, _, err := a.Start(startMsg("a1")); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if _, _, err := b.Start(startMsg("b1")); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("b.Start: got %v, want ErrBudgetExceeded", err)
	}

	a.CloseAll()
	if _, _, err := b.Start(startMsg("b2")); err != nil {
		t.Fatalf("b.Start after a closed: %v", err)
	}
}

func TestRegistry_DecoderFailureReleasesBudget(t *testing.T) {
	t.Parallel()
	limits := NewLimits(time.Second, time.Second, 1)
	failing := NewRegistry(limits, func(int) (audio.Decoder, error) { return nil, errors.New("no codec") })
	if _, _, err := failing.Start(startMsg("x")); !errors.Is(err, ErrInvalidStart) {
		t.Fatalf("got %v, want ErrInvalidStart", err)
	}
	if _, _, err := NewRegistry(limits, mockDecoders).Start(startMsg("y")); err != nil {
		t.Fatalf("budget leaked: %v", err)
	}
}

func TestRegistry_DetachAndClose(t *testing.T) {
	t.Parallel()
	reg := NewRegistry(NewLimits(time.Second, 10*time.Second, 1), mockDecoders)

	sess, _, _ := reg.Start(startMsg("a"))
	if reg.Detach("other") != nil {
		t.Error("Detach with unknown id should return nil")
	}
	if got := reg.Detach("a"); got != sess {
		t.Fatal("Detach should return the session")
	}
	if sess.Closed() {
		t.Error("Detach must not close the session")
	}
	if reg.Current() != nil {
		t.Error("registry should be empty after Detach")
	}

	reg.Start(startMsg("b"))
	if reg.Close("a") {
		t.Error("Close of a detached id should report false")
	}
	if !reg.Close("b") {
		t.Error("Close of the active id should report true")
	}
}
