package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

// ── Fake server ──────────────────────────────────────────────────────────────

type frame struct {
	typ  websocket.MessageType
	data []byte
}

type fakeServer struct {
	srv *httptest.Server

	// silent disables pong replies.
	silent bool
	// dropFirst closes the first connection right after accepting it.
	dropFirst bool

	mu       sync.Mutex
	accepted int
	frames   chan frame
}

func newFakeServer(t *testing.T, configure func(*fakeServer)) *fakeServer {
	t.Helper()
	fs := &fakeServer{frames: make(chan frame, 64)}
	if configure != nil {
		configure(fs)
	}
	fs.srv = httptest.NewServer(http.HandlerFunc(fs.serve))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http") + "/ws"
}

func (fs *fakeServer) connections() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.accepted
}

func (fs *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	fs.mu.Lock()
	fs.accepted++
	n := fs.accepted
	fs.mu.Unlock()
	if fs.dropFirst && n == 1 {
		ws.Close(websocket.StatusGoingAway, "bye")
		return
	}

	ctx := r.Context()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ == websocket.MessageText {
			msg, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			switch m := msg.(type) {
			case protocol.Ping:
				if !fs.silent {
					reply, _ := protocol.Encode(protocol.Pong{})
					_ = ws.Write(ctx, websocket.MessageText, reply)
				}
				continue
			case protocol.Stop:
				reply, _ := protocol.Encode(protocol.FastText{TraceID: m.TraceID, Content: "done", IsFinal: true})
				_ = ws.Write(ctx, websocket.MessageText, reply)
			}
		}
		fs.frames <- frame{typ: typ, data: data}
	}
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func runChannel(t *testing.T, c *Channel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func nextEvent(t *testing.T, c *Channel, kind EventKind) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatal("event stream closed")
			}
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event kind %d", kind)
		}
	}
}

func nextFrame(t *testing.T, fs *fakeServer) frame {
	t.Helper()
	select {
	case f := <-fs.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return frame{}
	}
}

// deadEndpoint returns a URL that refuses connections.
func deadEndpoint(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	srv.Close()
	return url
}

// ── Tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresEndpoint(t *testing.T) {
	t.Parallel()
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for empty endpoint list")
	}
}

func TestChannel_SendBeforeConnect(t *testing.T) {
	t.Parallel()
	c, err := New([]string{"ws://127.0.0.1:1/ws"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), protocol.Ping{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send err = %v, want ErrNotConnected", err)
	}
	if c.State() != Disconnected {
		t.Errorf("State = %v, want disconnected", c.State())
	}
}

func TestChannel_EndpointPriority(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, nil)
	dead := deadEndpoint(t)

	c, err := New([]string{dead, fs.url()})
	if err != nil {
		t.Fatal(err)
	}
	runChannel(t, c)

	ev := nextEvent(t, c, EventConnected)
	if ev.Endpoint != fs.url() {
		t.Errorf("connected to %q, want %q", ev.Endpoint, fs.url())
	}
	if c.State() != Connected {
		t.Errorf("State = %v, want connected", c.State())
	}
	if c.Attempts() != 0 {
		t.Errorf("Attempts = %d, want 0", c.Attempts())
	}
}

func TestChannel_OrderedDeliveryAndReplies(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, nil)
	c, _ := New([]string{fs.url()})
	runChannel(t, c)
	nextEvent(t, c, EventConnected)

	ctx := context.Background()
	if err := c.Send(ctx, protocol.Start{TraceID: "t", SampleRate: 48000}); err != nil {
		t.Fatal(err)
	}
	for i := range 3 {
		if err := c.SendBinary(ctx, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := c.Send(ctx, protocol.Stop{TraceID: "t"}); err != nil {
		t.Fatal(err)
	}

	if f := nextFrame(t, fs); f.typ != websocket.MessageText || !strings.Contains(string(f.data), `"start"`) {
		t.Fatalf("first frame = %s, want start", f.data)
	}
	for i := range 3 {
		f := nextFrame(t, fs)
		if f.typ != websocket.MessageBinary || f.data[0] != byte(i) {
			t.Fatalf("frame %d = %v", i, f)
		}
	}
	nextFrame(t, fs) // stop

	ev := nextEvent(t, c, EventMessage)
	ft, ok := ev.Message.(protocol.FastText)
	if !ok || ft.TraceID != "t" {
		t.Errorf("message = %#v, want fast_text for t", ev.Message)
	}
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(fs *fakeServer) { fs.dropFirst = true })
	c, _ := New([]string{fs.url()}, WithBackoff(Backoff{Initial: 10 * time.Millisecond, Max: 20 * time.Millisecond}))
	runChannel(t, c)

	nextEvent(t, c, EventConnected)
	nextEvent(t, c, EventDisconnected)
	nextEvent(t, c, EventConnected)
	if got := fs.connections(); got != 2 {
		t.Errorf("connections = %d, want 2", got)
	}
	if c.Attempts() != 0 {
		t.Errorf("Attempts = %d after reconnect, want 0", c.Attempts())
	}
}

func TestChannel_PongTimeout(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, func(fs *fakeServer) { fs.silent = true })
	c, _ := New([]string{fs.url()},
		WithHeartbeat(20*time.Millisecond, 50*time.Millisecond),
		WithBackoff(Backoff{Initial: time.Second}),
	)
	runChannel(t, c)

	nextEvent(t, c, EventConnected)
	ev := nextEvent(t, c, EventDisconnected)
	if !errors.Is(ev.Err, ErrPongTimeout) {
		t.Errorf("disconnect err = %v, want ErrPongTimeout", ev.Err)
	}
}

func TestChannel_HeartbeatKeepsHealthyLink(t *testing.T) {
	t.Parallel()
	fs := newFakeServer(t, nil)
	c, _ := New([]string{fs.url()}, WithHeartbeat(10*time.Millisecond, 100*time.Millisecond))
	runChannel(t, c)
	nextEvent(t, c, EventConnected)

	time.Sleep(250 * time.Millisecond)
	if c.State() != Connected {
		t.Errorf("State = %v, want connected", c.State())
	}
	if got := fs.connections(); got != 1 {
		t.Errorf("connections = %d, want 1", got)
	}
}

func TestChannel_AttemptsGrowWhileUnreachable(t *testing.T) {
	t.Parallel()
	c, _ := New([]string{deadEndpoint(t)}, WithBackoff(Backoff{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond}))
	runChannel(t, c)

	deadline := time.Now().Add(3 * time.Second)
	for c.Attempts() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("Attempts = %d, want ≥ 3", c.Attempts())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
