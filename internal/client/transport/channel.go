// Package transport keeps the client's websocket link to a GhostType server
// alive. A [Channel] dials the configured endpoints in priority order,
// reconnects with jittered exponential backoff after failures, runs the JSON
// ping/pong heartbeat and surfaces inbound messages and link changes as a
// single stream of [Event] values.
//
// Outbound messages are bound to the connection they were queued on: when a
// connection dies its unsent queue is discarded with it, so nothing meant for
// one session can leak into the next connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

// Default heartbeat and I/O parameters.
const (
	DefaultPingInterval = 5 * time.Second
	DefaultPongTimeout  = 10 * time.Second
	defaultDialTimeout  = 3 * time.Second
	writeTimeout        = 5 * time.Second
	outboundQueue       = 128
	eventQueue          = 64
	readLimit           = 64 * 1024
)

var (
	// ErrNotConnected is returned by Send and SendBinary while no connection
	// is established.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrPongTimeout ends a connection whose peer stopped answering pings.
	ErrPongTimeout = errors.New("transport: pong timeout")
)

// ─── State and events ────────────────────────────────────────────────────────

// State is the connection state of a [Channel].
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventConnected reports a new connection. Endpoint is set.
	EventConnected EventKind = iota + 1
	// EventDisconnected reports the loss of a connection. Err is set.
	EventDisconnected
	// EventMessage carries an inbound server message. Message is set.
	EventMessage
)

// Event is one item of the stream returned by [Channel.Events].
type Event struct {
	Kind     EventKind
	Endpoint string
	Message  protocol.Message
	Err      error
}

// DialFunc opens a websocket to url.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

func defaultDial(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

// ─── Channel ─────────────────────────────────────────────────────────────────

// Option configures a [Channel].
type Option func(*Channel)

// WithBackoff sets the reconnection backoff.
func WithBackoff(b Backoff) Option {
	return func(c *Channel) { c.backoff = b }
}

// WithHeartbeat sets the ping interval and the pong deadline.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(c *Channel) {
		if interval > 0 {
			c.pingInterval = interval
		}
		if timeout > 0 {
			c.pongTimeout = timeout
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Channel) { c.dial = d }
}

// WithDialTimeout bounds every single dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// Channel is a self-healing websocket client. Create one with [New], start it
// with [Channel.Run] and consume [Channel.Events].
//
// All methods are safe for concurrent use.
type Channel struct {
	endpoints    []string
	backoff      Backoff
	pingInterval time.Duration
	pongTimeout  time.Duration
	dialTimeout  time.Duration
	dial         DialFunc

	state    atomic.Int32
	attempts atomic.Int64
	events   chan Event

	mu   sync.Mutex
	link *link
}

// link is the per-connection half of a Channel: its outbound queue lives and
// dies with one websocket.
type link struct {
	ws       *websocket.Conn
	endpoint string
	out      chan outbound
	done     chan struct{}
	lastPong atomic.Int64
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// New returns a Channel for endpoints, tried in the given order.
func New(endpoints []string, opts ...Option) (*Channel, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("transport: at least one endpoint is required")
	}
	c := &Channel{
		endpoints:    append([]string(nil), endpoints...),
		backoff:      Backoff{Jitter: DefaultJitter},
		pingInterval: DefaultPingInterval,
		pongTimeout:  DefaultPongTimeout,
		dialTimeout:  defaultDialTimeout,
		dial:         defaultDial,
		events:       make(chan Event, eventQueue),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Events returns the stream of link changes and inbound messages. The
// channel is closed when Run returns.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Attempts returns the number of consecutive failed connection rounds. It is
// reset to zero by every successful connection.
func (c *Channel) Attempts() int { return int(c.attempts.Load()) }

// Send queues msg on the current connection.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outbound{typ: websocket.MessageText, data: data})
}

// SendBinary queues one binary frame on the current connection.
func (c *Channel) SendBinary(ctx context.Context, data []byte) error {
	return c.enqueue(ctx, outbound{typ: websocket.MessageBinary, data: data})
}

func (c *Channel) enqueue(ctx context.Context, o outbound) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	select {
	case l.out <- o:
		return nil
	case <-l.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps the channel connected until ctx ends. It always
// returns ctx's error and closes the event stream on the way out.
func (c *Channel) Run(ctx context.Context) error {
	defer close(c.events)
	defer c.state.Store(int32(Disconnected))

	delays := c.backoff.Schedule()
	for {
		c.state.Store(int32(Connecting))
		ws, endpoint, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n := c.attempts.Add(1)
			delay := delays.Next()
			slog.Warn("transport: connect failed", "attempt", n, "retry_in", delay, "err", err)
			c.state.Store(int32(Disconnected))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		c.attempts.Store(0)
		delays.Reset()
		err = c.serve(ctx, ws, endpoint)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("transport: connection lost", "endpoint", endpoint, "err", err)
		c.emit(ctx, Event{Kind: EventDisconnected, Endpoint: endpoint, Err: err})
		if !sleep(ctx, delays.Next()) {
			return ctx.Err()
		}
	}
}

// connect tries every endpoint once, in order.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, string, error) {
	var errs []error
	for _, ep := range c.endpoints {
		dctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
		ws, err := c.dial(dctx, ep)
		cancel()
		if err == nil {
			return ws, ep, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		slog.Debug("transport: dial failed", "endpoint", ep, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
	}
	return nil, "", errors.Join(errs...)
}

// serve runs one connection until it fails or ctx ends.
func (c *Channel) serve(ctx context.Context, ws *websocket.Conn, endpoint string) error {
	ws.SetReadLimit(readLimit)
	l := &link{
		ws:       ws,
		endpoint: endpoint,
		out:      make(chan outbound, outboundQueue),
		done:     make(chan struct{}),
	}
	l.lastPong.Store(time.Now().UnixNano())

	c.mu.Lock()
	c.link = l
	c.mu.Unlock()
	c.state.Store(int32(Connected))
	slog.Info("transport: connected", "endpoint", endpoint)
	c.emit(ctx, Event{Kind: EventConnected, Endpoint: endpoint})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, l) })
	g.Go(func() error { return c.writeLoop(gctx, l) })
	g.Go(func() error { return c.heartbeat(gctx, l) })
	err := g.Wait()

	c.mu.Lock()
	c.link = nil
	c.mu.Unlock()
	close(l.done)
	c.state.Store(int32(Disconnected))

	if dropped := len(l.out); dropped > 0 {
		slog.Debug("transport: discarding unsent messages", "count", dropped)
	}
	ws.Close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Channel) readLoop(ctx context.Context, l *link) error {
	for {
		typ, data, err := l.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Debug("transport: ignoring server message", "err", err)
			continue
		}
		if _, ok := msg.(protocol.Pong); ok {
			l.lastPong.Store(time.Now().UnixNano())
			continue
		}
		c.emit(ctx, Event{Kind: EventMessage, Endpoint: l.endpoint, Message: msg})
	}
}

func (c *Channel) writeLoop(ctx context.Context, l *link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o := <-l.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := l.ws.Write(wctx, o.typ, o.data)
			cancel()
			if err != nil {
				return fmt.Errorf("transport: write: %w", err)
			}
		}
	}
}

func (c *Channel) heartbeat(ctx context.Context, l *link) error {
	ping, err := protocol.Encode(protocol.Ping{})
	if err != nil {
		return err
	}
	tick := time.NewTicker(c.pingInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if time.Since(time.Unix(0, l.lastPong.Load())) > c.pongTimeout {
				return ErrPongTimeout
			}
			select {
			case l.out <- outbound{typ: websocket.MessageText, data: ping}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
