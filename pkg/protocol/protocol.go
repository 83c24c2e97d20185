// Package protocol defines the GhostType wire protocol spoken between the
// dictation client and the transcription server.
//
// A connection carries two kinds of frames:
//
//   - Text frames hold a single JSON object whose "type" field selects one of
//     the message kinds below ([Ping], [Pong], [Start], [Stop], [FastText],
//     [Correction], [Error]).
//   - Binary frames hold exactly one Opus packet (20 ms, mono) belonging to the
//     session most recently opened by a [Start] on the same connection. There is
//     no sequence number; ordering relies on the transport delivering frames in
//     order.
//
// Every message that belongs to a recording session carries that session's
// trace id. Receivers discard messages with an unknown or stale trace id.
package protocol

import (
	"errors"
	"fmt"
)

// Type is the value of the "type" discriminator in a text frame.
type Type string

// Message kinds.
const (
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeStart      Type = "start"
	TypeStop       Type = "stop"
	TypeFastText   Type = "fast_text"
	TypeCorrection Type = "correction"
	TypeError      Type = "error"
)

var (
	// ErrMalformed is returned by [Decode] when a text frame is not a JSON
	// object or lacks a "type" field.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType is returned by [Decode] for a well-formed message whose
	// type is not part of the protocol.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Message is implemented by every wire message.
type Message interface {
	// MessageType returns the "type" discriminator written on the wire.
	MessageType() Type
}

// SessionMessage is a [Message] scoped to a single recording session.
type SessionMessage interface {
	Message

	// SessionTraceID returns the trace id of the session the message belongs
	// to. Connection-level errors return the empty string.
	SessionTraceID() string
}

// Context is the snapshot of the focused application taken when recording
// starts. It is immutable for the lifetime of the session.
type Context struct {
	AppName     string `json:"app_name"`
	WindowTitle string `json:"window_title"`
}

// Ping is a client heartbeat.
type Ping struct{}

// Pong answers a [Ping].
type Pong struct{}

// Start opens a recording session. Binary frames that follow belong to it.
type Start struct {
	TraceID     string  `json:"trace_id"`
	SampleRate  int     `json:"sample_rate"`
	Context     Context `json:"context"`
	UseCloudAPI bool    `json:"use_cloud_api"`
}

// Stop ends audio capture for a session and asks the server to transcribe it.
type Stop struct {
	TraceID string `json:"trace_id"`
}

// FastText carries the low-latency ASR transcript of a session.
type FastText struct {
	TraceID string `json:"trace_id"`
	Content string `json:"content"`
	IsFinal bool   `json:"is_final"`
}

// Correction replaces the tail of previously delivered fast text: the client
// deletes DeleteCount code points backwards and then types ReplacedText.
type Correction struct {
	TraceID      string `json:"trace_id"`
	OriginalText string `json:"original_text"`
	ReplacedText string `json:"replaced_text"`
	DeleteCount  int    `json:"delete_count"`
}

// Error reports a failure. TraceID is empty for connection-level errors such
// as malformed JSON.
type Error struct {
	TraceID string `json:"trace_id,omitempty"`
	Message string `json:"message"`
}

func (Ping) MessageType() Type       { return TypePing }
func (Pong) MessageType() Type       { return TypePong }
func (Start) MessageType() Type      { return TypeStart }
func (Stop) MessageType() Type       { return TypeStop }
func (FastText) MessageType() Type   { return TypeFastText }
func (Correction) MessageType() Type { return TypeCorrection }
func (Error) MessageType() Type      { return TypeError }

func (m Start) SessionTraceID() string      { return m.TraceID }
func (m Stop) SessionTraceID() string       { return m.TraceID }
func (m FastText) SessionTraceID() string   { return m.TraceID }
func (m Correction) SessionTraceID() string { return m.TraceID }
func (m Error) SessionTraceID() string      { return m.TraceID }

var (
	_ SessionMessage = Start{}
	_ SessionMessage = Stop{}
	_ SessionMessage = FastText{}
	_ SessionMessage = Correction{}
	_ SessionMessage = Error{}
	_ Message        = Ping{}
	_ Message        = Pong{}
)

// Validate reports whether the start request is usable. It does not check
// codec support for the sample rate; see the opus package for that.
func (m Start) Validate() error {
	var errs []error
	if m.TraceID == "" {
		errs = append(errs, errors.New("trace_id is required"))
	}
	if m.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", m.SampleRate))
	}
	return errors.Join(errs...)
}

// Errorf builds an [Error] for the given session.
func Errorf(traceID, format string, args ...any) Error {
	return Error{TraceID: traceID, Message: fmt.Sprintf(format, args...)}
}
