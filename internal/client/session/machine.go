// Package session implements the client side of a push-to-talk dictation
// session.
//
// A [Machine] owns the session state and is driven by four kinds of input:
// hotkey edges, server messages, transport disconnects and its own timers.
// All of them are funnelled into one event channel consumed by the goroutine
// running [Machine.Run], so session state has exactly one writer.
//
//	Idle ──down──▶ Recording ──up──▶ AwaitingFastText ──fast_text──▶ AwaitingCorrection ──correction/error/timeout──▶ Idle
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MrWong99/ghosttype/internal/client/inject"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

// Default timings.
const (
	DefaultCorrectionWait = 5 * time.Second
	DefaultFastTextWait   = 30 * time.Second
	defaultStopTimeout    = 2 * time.Second
	eventQueue            = 64
)

// State is the lifecycle state of the current session.
type State int32

const (
	Idle State = iota
	Recording
	AwaitingFastText
	AwaitingCorrection
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case AwaitingFastText:
		return "awaiting_fast_text"
	case AwaitingCorrection:
		return "awaiting_correction"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ─── Collaborators ───────────────────────────────────────────────────────────

// Sender delivers protocol messages to the server.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// Recorder captures and streams audio for one session at a time.
type Recorder interface {
	// Start begins streaming audio frames tagged with traceID.
	Start(ctx context.Context, traceID string) error
	// Stop ends capture and returns once every captured frame has been
	// handed to the transport.
	Stop(ctx context.Context) error
}

// ContextSource snapshots the focused application.
type ContextSource interface {
	Snapshot(ctx context.Context) protocol.Context
}

// ContextFunc adapts a function to [ContextSource].
type ContextFunc func(ctx context.Context) protocol.Context

// Snapshot implements [ContextSource].
func (f ContextFunc) Snapshot(ctx context.Context) protocol.Context { return f(ctx) }

// ─── Options ─────────────────────────────────────────────────────────────────

// Option configures a [Machine].
type Option func(*Machine)

// WithCorrectionWait sets how long to wait for a correction after the fast
// text has been typed.
func WithCorrectionWait(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.correctionWait = d
		}
	}
}

// WithFastTextWait sets how long to wait for the transcript after stop.
func WithFastTextWait(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.fastTextWait = d
		}
	}
}

// WithCloudAPI requests cloud recognition for every session.
func WithCloudAPI(enabled bool) Option {
	return func(m *Machine) { m.useCloudAPI = enabled }
}

// WithContextSource sets the focused-window provider.
func WithContextSource(c ContextSource) Option {
	return func(m *Machine) { m.contexts = c }
}

// WithTraceIDs replaces the trace id generator.
func WithTraceIDs(gen func() string) Option {
	return func(m *Machine) { m.newTraceID = gen }
}

// ─── Machine ─────────────────────────────────────────────────────────────────

type eventKind int

const (
	evHotkeyDown eventKind = iota + 1
	evHotkeyUp
	evMessage
	evDisconnected
	evCorrectionTimeout
	evFastTextTimeout
	evBarrier
)

type event struct {
	kind    eventKind
	msg     protocol.Message
	traceID string
	err     error
	ack     chan struct{}
}

// active is the session currently owned by the machine.
type active struct {
	traceID  string
	injected string
	timer    *time.Timer
}

// Machine is the client session state machine. Input methods may be called
// from any goroutine; they never block on session work.
type Machine struct {
	sender     Sender
	recorder   Recorder
	injector   inject.Injector
	contexts   ContextSource
	sampleRate int

	useCloudAPI    bool
	correctionWait time.Duration
	fastTextWait   time.Duration
	newTraceID     func() string

	events chan event
	done   chan struct{}
	state  atomic.Int32

	// Owned by the Run goroutine.
	cur          *active
	lastClosed   string
	lastInjected string
}

// New returns a Machine that records at sampleRate.
func New(sender Sender, recorder Recorder, injector inject.Injector, sampleRate int, opts ...Option) *Machine {
	m := &Machine{
		sender:         sender,
		recorder:       recorder,
		injector:       injector,
		contexts:       ContextFunc(func(context.Context) protocol.Context { return protocol.Context{} }),
		sampleRate:     sampleRate,
		correctionWait: DefaultCorrectionWait,
		fastTextWait:   DefaultFastTextWait,
		newTraceID:     protocol.NewTraceID,
		events:         make(chan event, eventQueue),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() State { return State(m.state.Load()) }

// HotkeyDown reports that the push-to-talk key was pressed.
func (m *Machine) HotkeyDown() { m.post(event{kind: evHotkeyDown}) }

// HotkeyUp reports that the push-to-talk key was released.
func (m *Machine) HotkeyUp() { m.post(event{kind: evHotkeyUp}) }

// Deliver hands an inbound server message to the machine.
func (m *Machine) Deliver(msg protocol.Message) { m.post(event{kind: evMessage, msg: msg}) }

// Disconnected reports that the transport lost its connection.
func (m *Machine) Disconnected(err error) { m.post(event{kind: evDisconnected, err: err}) }

// barrier returns once every event posted before it has been handled.
func (m *Machine) barrier() {
	ack := make(chan struct{})
	m.post(event{kind: evBarrier, ack: ack})
	select {
	case <-ack:
	case <-m.done:
	}
}

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Run processes events until ctx ends. An active recording is stopped on the
// way out and the machine ends in [Closed].
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Machine) shutdown() {
	if m.State() == Recording {
		m.stopRecorder(context.Background())
	}
	m.finish()
	m.setState(Closed)
}

func (m *Machine) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evHotkeyDown:
		m.onHotkeyDown(ctx)
	case evHotkeyUp:
		m.onHotkeyUp(ctx)
	case evMessage:
		m.onMessage(ctx, ev.msg)
	case evDisconnected:
		m.onDisconnected(ctx, ev.err)
	case evCorrectionTimeout:
		if m.State() == AwaitingCorrection && m.cur.traceID == ev.traceID {
			slog.Debug("session: correction wait elapsed", "trace_id", ev.traceID)
			m.lastClosed, m.lastInjected = m.cur.traceID, m.cur.injected
			m.finish()
		}
	case evFastTextTimeout:
		if m.State() == AwaitingFastText && m.cur.traceID == ev.traceID {
			slog.Warn("session: no transcript received", "trace_id", ev.traceID, "waited", m.fastTextWait)
			m.finish()
		}
	case evBarrier:
		close(ev.ack)
	}
}

// ─── Transitions ─────────────────────────────────────────────────────────────

func (m *Machine) onHotkeyDown(ctx context.Context) {
	if s := m.State(); s != Idle {
		slog.Debug("session: hotkey ignored", "state", s)
		return
	}
	id := m.newTraceID()
	start := protocol.Start{
		TraceID:     id,
		SampleRate:  m.sampleRate,
		Context:     m.contexts.Snapshot(ctx),
		UseCloudAPI: m.useCloudAPI,
	}
	if err := m.sender.Send(ctx, start); err != nil {
		slog.Warn("session: cannot start recording", "trace_id", id, "err", err)
		return
	}
	if err := m.recorder.Start(ctx, id); err != nil {
		slog.Error("session: audio capture failed", "trace_id", id, "err", err)
		_ = m.sender.Send(ctx, protocol.Stop{TraceID: id})
		return
	}
	m.cur = &active{traceID: id}
	m.setState(Recording)
	slog.Info("session: recording", "trace_id", id, "app", start.Context.AppName)
}

func (m *Machine) onHotkeyUp(ctx context.Context) {
	if m.State() != Recording {
		return
	}
	id := m.cur.traceID
	m.stopRecorder(ctx)
	if err := m.sender.Send(ctx, protocol.Stop{TraceID: id}); err != nil {
		slog.Warn("session: stop not delivered", "trace_id", id, "err", err)
		m.finish()
		return
	}
	m.setState(AwaitingFastText)
	m.arm(m.fastTextWait, evFastTextTimeout)
}

func (m *Machine) onMessage(ctx context.Context, msg protocol.Message) {
	switch msg := msg.(type) {
	case protocol.FastText:
		m.onFastText(ctx, msg)
	case protocol.Correction:
		m.onCorrection(ctx, msg)
	case protocol.Error:
		m.onError(ctx, msg)
	default:
		slog.Debug("session: ignoring message", "type", msg.MessageType())
	}
}

func (m *Machine) onFastText(ctx context.Context, msg protocol.FastText) {
	if m.State() != AwaitingFastText || m.cur.traceID != msg.TraceID {
		slog.Debug("session: stale fast_text", "trace_id", msg.TraceID)
		return
	}
	m.disarm()
	if msg.Content == "" {
		slog.Info("session: nothing recognised", "trace_id", msg.TraceID)
		m.finish()
		return
	}
	if err := m.injector.Execute(ctx, inject.Inject(msg.Content)); err != nil {
		slog.Error("session: inject failed", "trace_id", msg.TraceID, "err", err)
		m.finish()
		return
	}
	m.lastClosed, m.lastInjected = "", ""
	m.cur.injected = msg.Content
	m.setState(AwaitingCorrection)
	m.arm(m.correctionWait, evCorrectionTimeout)
}

func (m *Machine) onCorrection(ctx context.Context, msg protocol.Correction) {
	switch {
	case m.State() == AwaitingCorrection && m.cur.traceID == msg.TraceID:
		m.applyCorrection(ctx, m.cur.injected, msg)
		m.finish()
	case m.State() == Idle && msg.TraceID != "" && msg.TraceID == m.lastClosed:
		slog.Debug("session: applying late correction", "trace_id", msg.TraceID)
		m.applyCorrection(ctx, m.lastInjected, msg)
		m.lastClosed, m.lastInjected = "", ""
	default:
		slog.Debug("session: stale correction", "trace_id", msg.TraceID)
	}
}

func (m *Machine) applyCorrection(ctx context.Context, injected string, msg protocol.Correction) {
	if msg.DeleteCount < 0 || msg.DeleteCount > utf8.RuneCountInString(injected) {
		slog.Warn("session: correction does not fit typed text", "trace_id", msg.TraceID, "delete_count", msg.DeleteCount)
		return
	}
	if err := m.injector.Execute(ctx, inject.Replace(msg.DeleteCount, msg.ReplacedText)); err != nil {
		slog.Error("session: correction failed", "trace_id", msg.TraceID, "err", err)
		return
	}
	slog.Info("session: corrected", "trace_id", msg.TraceID, "deleted", msg.DeleteCount, "typed", msg.ReplacedText)
}

func (m *Machine) onError(ctx context.Context, msg protocol.Error) {
	if msg.TraceID == "" {
		slog.Warn("session: server error", "message", msg.Message)
		return
	}
	if m.cur == nil || m.cur.traceID != msg.TraceID {
		return
	}
	slog.Warn("session: aborted by server", "trace_id", msg.TraceID, "state", m.State(), "message", msg.Message)
	if m.State() == Recording {
		m.stopRecorder(ctx)
	}
	m.finish()
}

func (m *Machine) onDisconnected(ctx context.Context, err error) {
	m.lastClosed, m.lastInjected = "", ""
	if m.cur == nil {
		return
	}
	slog.Warn("session: connection lost, session aborted", "trace_id", m.cur.traceID, "state", m.State(), "err", err)
	if m.State() == Recording {
		m.stopRecorder(ctx)
	}
	m.finish()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (m *Machine) stopRecorder(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultStopTimeout)
	defer cancel()
	if err := m.recorder.Stop(sctx); err != nil {
		slog.Warn("session: stop capture", "err", err)
	}
}

// arm starts the timer for the current state. Its expiry is delivered as an
// event, so stale timers are filtered by trace id like any other input.
func (m *Machine) arm(d time.Duration, kind eventKind) {
	m.disarm()
	id := m.cur.traceID
	m.cur.timer = time.AfterFunc(d, func() { m.post(event{kind: kind, traceID: id}) })
}

func (m *Machine) disarm() {
	if m.cur != nil && m.cur.timer != nil {
		m.cur.timer.Stop()
		m.cur.timer = nil
	}
}

// finish drops the current session and returns to Idle.
func (m *Machine) finish() {
	m.disarm()
	m.cur = nil
	m.setState(Idle)
}

func (m *Machine) setState(s State) { m.state.Store(int32(s)) }
