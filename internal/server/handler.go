package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

const (
	// readLimit bounds a single websocket message. Opus packets stay below
	// 4000 bytes and control messages are tiny.
	readLimit = 64 << 10

	// outboundQueue is the number of server messages buffered per connection.
	outboundQueue = 32

	writeTimeout = 5 * time.Second
)

// Handler accepts dictation clients on a websocket and runs one reader and
// one writer goroutine per connection. It implements [http.Handler].
type Handler struct {
	limits     *Limits
	pipeline   *Pipeline
	newDecoder DecoderFactory
	metrics    *observe.Metrics

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// HandlerOption is a functional option for [NewHandler].
type HandlerOption func(*Handler)

// WithDecoderFactory replaces the Opus decoder used for new sessions.
func WithDecoderFactory(f DecoderFactory) HandlerOption {
	return func(h *Handler) { h.newDecoder = f }
}

// WithHandlerMetrics records connection, session and frame metrics on m.
func WithHandlerMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler returns a websocket handler dispatching finalized recordings to
// pipeline.
func NewHandler(limits *Limits, pipeline *Pipeline, opts ...HandlerOption) *Handler {
	h := &Handler{
		limits:     limits,
		pipeline:   pipeline,
		newDecoder: OpusDecoders,
		conns:      make(map[*conn]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves the connection until the client
// disconnects or the handler is shut down.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		h:      h,
		ws:     ws,
		remote: r.RemoteAddr,
		out:    make(chan protocol.Message, outboundQueue),
		cancel: cancel,
		log:    slog.With("remote", r.RemoteAddr),
	}
	if !h.track(c) {
		cancel()
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	c.serve(ctx)
}

// Shutdown closes every connection and waits until their goroutines have
// exited or ctx ends. In-flight recognitions are cancelled, not awaited.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.conns {
		c.cancel()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connections returns the number of open connections.
func (h *Handler) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

// ─── Connection ──────────────────────────────────────────────────────────────

type conn struct {
	h      *Handler
	ws     *websocket.Conn
	remote string
	reg    *Registry
	out    chan protocol.Message
	cancel context.CancelFunc
	log    *slog.Logger
}

func (c *conn) serve(ctx context.Context) {
	defer c.cancel()

	m := c.h.metrics
	if m != nil {
		m.ActiveConnections.Add(ctx, 1)
		defer m.ActiveConnections.Add(context.WithoutCancel(ctx), -1)
	}
	c.reg = NewRegistry(c.h.limits, c.h.newDecoder, WithSessionHooks(
		func() {
			if m != nil {
				m.ActiveSessions.Add(ctx, 1)
			}
		},
		func() {
			if m != nil {
				m.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
			}
		},
	))
	c.log.Info("client connected")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	err := g.Wait()

	c.reg.CloseAll()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	case websocket.CloseStatus(err) != -1:
		c.ws.CloseNow()
	default:
		c.ws.Close(websocket.StatusInternalError, "connection error")
	}
	c.log.Info("client disconnected", "reason", err)
}

// send queues msg for the writer. It fails when the connection is gone.
func (c *conn) send(ctx context.Context, msg protocol.Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.out:
			data, err := protocol.Encode(msg)
			if err != nil {
				c.log.Error("encode message", "type", msg.MessageType(), "err", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.ws.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return fmt.Errorf("server: write %s: %w", msg.MessageType(), err)
			}
		}
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleFrame(ctx, data)
		case websocket.MessageText:
			if err := c.handleText(ctx, data); err != nil {
				return err
			}
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, packet []byte) {
	sess := c.reg.Current()
	if sess == nil {
		if c.h.metrics != nil {
			c.h.metrics.FramesDiscarded.Add(ctx, 1)
		}
		return
	}
	err := sess.AppendFrame(packet)
	switch {
	case err == nil:
		if c.h.metrics != nil {
			c.h.metrics.FramesReceived.Add(ctx, 1)
		}
	case errors.Is(err, ErrBufferLimit):
		c.reg.Close(sess.TraceID)
		c.log.Warn("session exceeded maximum duration", "trace_id", sess.TraceID, "limit", c.h.limits.SessionCap())
		c.recordError(ctx, "buffer_limit")
		_ = c.send(ctx, protocol.Errorf(sess.TraceID, "audio exceeds maximum duration of %s; session discarded", c.h.limits.SessionCap()))
	case errors.Is(err, ErrSessionClosed):
		if c.h.metrics != nil {
			c.h.metrics.FramesDiscarded.Add(ctx, 1)
		}
	default:
		c.log.Debug("dropping undecodable frame", "trace_id", sess.TraceID, "err", err)
		if c.h.metrics != nil {
			c.h.metrics.FramesDiscarded.Add(ctx, 1)
		}
	}
}

func (c *conn) handleText(ctx context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug("bad client message", "err", err)
		return c.send(ctx, protocol.Error{Message: err.Error()})
	}

	switch m := msg.(type) {
	case protocol.Ping:
		return c.send(ctx, protocol.Pong{})
	case protocol.Start:
		return c.handleStart(ctx, m)
	case protocol.Stop:
		c.handleStop(ctx, m)
	default:
		c.log.Debug("ignoring client message", "type", msg.MessageType())
	}
	return nil
}

func (c *conn) handleStart(ctx context.Context, m protocol.Start) error {
	sess, replaced, err := c.reg.Start(m)
	if replaced != nil {
		c.log.Info("session superseded", "trace_id", replaced.TraceID, "by", m.TraceID)
		c.recordError(ctx, "superseded")
		if err := c.send(ctx, protocol.Errorf(replaced.TraceID, "session superseded by %s", m.TraceID)); err != nil {
			return err
		}
	}
	if err != nil {
		reason := "invalid_start"
		if errors.Is(err, ErrBudgetExceeded) {
			reason = "budget"
		}
		c.log.Warn("start rejected", "trace_id", m.TraceID, "err", err)
		c.recordError(ctx, reason)
		return c.send(ctx, protocol.Errorf(m.TraceID, "start rejected: %v", err))
	}
	observe.SessionLogger(ctx, sess.TraceID).Info("session started",
		"sample_rate", sess.SampleRate,
		"app", sess.Context.AppName,
		"cloud", sess.UseCloudAPI,
	)
	return nil
}

func (c *conn) handleStop(ctx context.Context, m protocol.Stop) {
	sess := c.reg.Detach(m.TraceID)
	if sess == nil {
		c.log.Debug("ignoring stop for unknown session", "trace_id", m.TraceID)
		return
	}
	frames, bad := sess.Frames()
	observe.SessionLogger(ctx, sess.TraceID).Info("session stopped",
		"frames", frames,
		"bad_frames", bad,
		"audio", sess.Duration(),
	)
	job := JobFromSession(sess)
	go c.h.pipeline.Process(ctx, job, c.send)
}

func (c *conn) recordError(ctx context.Context, reason string) {
	if c.h.metrics != nil {
		c.h.metrics.RecordSessionError(ctx, reason)
	}
}
