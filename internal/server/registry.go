package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/ghosttype/pkg/audio"
	"github.com/MrWong99/ghosttype/pkg/audio/opus"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

// ErrInvalidStart is returned by [Registry.Start] for a start request that
// cannot open a session.
var ErrInvalidStart = errors.New("server: invalid start")

// DecoderFactory creates the decoder for a new session.
type DecoderFactory func(sampleRate int) (audio.Decoder, error)

// OpusDecoders is the production [DecoderFactory].
func OpusDecoders(sampleRate int) (audio.Decoder, error) {
	return opus.NewDecoder(sampleRate)
}

// Registry tracks the sessions of one connection. At most one session is
// active at a time; starting a new one closes the previous one.
//
// All methods are safe for concurrent use.
type Registry struct {
	limits     *Limits
	newDecoder DecoderFactory
	onOpen     func()
	onClose    func()

	mu     sync.Mutex
	active *Session
}

// RegistryOption is a functional option for [NewRegistry].
type RegistryOption func(*Registry)

// WithSessionHooks installs callbacks run after a session opens and after
// it leaves the registry. They are used to maintain the active-session
// gauge.
func WithSessionHooks(onOpen, onClose func()) RegistryOption {
	return func(r *Registry) {
		r.onOpen = onOpen
		r.onClose = onClose
	}
}

// NewRegistry returns an empty registry drawing budget from limits.
func NewRegistry(limits *Limits, newDecoder DecoderFactory, opts ...RegistryOption) *Registry {
	r := &Registry{limits: limits, newDecoder: newDecoder}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start opens a session for msg. If a session is already active it is
// closed and returned as replaced, even when opening the new one fails.
//
// Errors wrap [ErrInvalidStart] or [ErrBudgetExceeded].
func (r *Registry) Start(msg protocol.Start) (sess, replaced *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		replaced = r.active
		r.removeLocked()
	}

	if err := msg.Validate(); err != nil {
		return nil, replaced, fmt.Errorf("%w: %w", ErrInvalidStart, err)
	}
	if !opus.ValidSampleRate(msg.SampleRate) {
		return nil, replaced, fmt.Errorf("%w: sample_rate %d not in %v", ErrInvalidStart, msg.SampleRate, opus.SupportedRates)
	}

	release, err := r.limits.Reserve()
	if err != nil {
		return nil, replaced, err
	}
	dec, err := r.newDecoder(msg.SampleRate)
	if err != nil {
		release()
		return nil, replaced, fmt.Errorf("%w: %w", ErrInvalidStart, err)
	}

	r.active = newSession(msg, dec, r.limits.SessionCap(), release)
	if r.onOpen != nil {
		r.onOpen()
	}
	return r.active, replaced, nil
}

// Active returns the active session if its trace id is traceID.
func (r *Registry) Active(traceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.TraceID != traceID {
		return nil
	}
	return r.active
}

// Current returns the active session, or nil. Binary frames carry no trace
// id and always belong to the current session.
func (r *Registry) Current() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Detach removes the session with traceID from the registry without closing
// it, so its audio can be finalized. It returns nil for unknown ids.
func (r *Registry) Detach(traceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.TraceID != traceID {
		return nil
	}
	sess := r.active
	r.active = nil
	if r.onClose != nil {
		r.onClose()
	}
	return sess
}

// Close closes and removes the session with traceID. It reports whether a
// session was removed.
func (r *Registry) Close(traceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil || r.active.TraceID != traceID {
		return false
	}
	r.removeLocked()
	return true
}

// CloseAll closes every session. It is called when the connection ends.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		r.removeLocked()
	}
}

func (r *Registry) removeLocked() {
	r.active.Close()
	r.active = nil
	if r.onClose != nil {
		r.onClose()
	}
}
