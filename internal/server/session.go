package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/ghosttype/pkg/audio"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

var (
	// ErrBufferLimit is returned by [Session.AppendFrame] when a frame would
	// push the session past its maximum duration. The session is finalized
	// and accepts no more audio.
	ErrBufferLimit = errors.New("server: session audio exceeds maximum duration")

	// ErrSessionClosed is returned when audio arrives for a finalized session.
	ErrSessionClosed = errors.New("server: session closed")
)

// Session is the server-side record of one recording session. It owns the
// decoder and the PCM buffer until [Session.Finalize] hands the buffer to
// the pipeline.
//
// A Session is safe for concurrent use, although in practice only the
// connection's reader touches it.
type Session struct {
	TraceID     string
	SampleRate  int
	Context     protocol.Context
	UseCloudAPI bool
	StartedAt   time.Time

	mu         sync.Mutex
	decoder    audio.Decoder
	pcm        []int16
	maxSamples int
	frames     int
	badFrames  int
	closed     bool
	release    func()
}

func newSession(start protocol.Start, dec audio.Decoder, maxDur time.Duration, release func()) *Session {
	maxSamples := audio.Samples(maxDur, start.SampleRate)
	return &Session{
		TraceID:     start.TraceID,
		SampleRate:  start.SampleRate,
		Context:     start.Context,
		UseCloudAPI: start.UseCloudAPI,
		StartedAt:   time.Now(),
		decoder:     dec,
		// One second of headroom up front; grows as needed up to maxSamples.
		pcm:        make([]int16, 0, min(maxSamples, start.SampleRate)),
		maxSamples: maxSamples,
		release:    release,
	}
}

// AppendFrame decodes one Opus packet and appends its PCM to the buffer.
//
// A packet that fails to decode is skipped and its error returned; the
// session stays usable. A packet that would exceed the maximum duration
// closes the session and returns [ErrBufferLimit].
func (s *Session) AppendFrame(packet []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	pcm, err := s.decoder.Decode(packet)
	if err != nil {
		s.badFrames++
		return fmt.Errorf("server: decode frame %d: %w", s.frames, err)
	}
	if len(s.pcm)+len(pcm) > s.maxSamples {
		s.closeLocked()
		return fmt.Errorf("%w (%s)", ErrBufferLimit, audio.Duration(s.maxSamples, s.SampleRate))
	}
	s.pcm = append(s.pcm, pcm...)
	s.frames++
	return nil
}

// Finalize closes the session and transfers ownership of the PCM buffer to
// the caller together with the session's budget reservation: the audio
// still counts against the buffered-audio budget until release is called.
// After the session was already closed it returns nil and a no-op release.
func (s *Session) Finalize() (pcm []int16, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, func() {}
	}
	pcm, release = s.pcm, s.release
	if release == nil {
		release = func() {}
	}
	s.release = nil
	s.closeLocked()
	return pcm, release
}

// Close discards the buffered audio. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

// Closed reports whether the session was finalized or closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Duration returns the play time of the buffered audio.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.Duration(len(s.pcm), s.SampleRate)
}

// Frames returns the number of frames appended and the number that failed
// to decode.
func (s *Session) Frames() (ok, bad int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames, s.badFrames
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.pcm = nil
	s.decoder = nil
	if s.release != nil {
		s.release()
	}
}
