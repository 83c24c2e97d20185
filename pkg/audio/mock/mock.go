// Package mock provides in-memory implementations of the [audio.Source],
// [audio.Encoder] and [audio.Decoder] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose exported fields that control return values.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ghosttype/pkg/audio"
)

// ─── Source ──────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source]. On Start it emits Chunks in order and then
// keeps the stream open until Stop is called or the context ends.
type Source struct {
	mu sync.Mutex

	// Rate is returned by SampleRate. Defaults to 48000.
	Rate int

	// Chunks are delivered on every Start.
	Chunks [][]int16

	// StartErr, when non-nil, is returned by Start.
	StartErr error

	// StopErr is returned by Stop.
	StopErr error

	// StartCalls and StopCalls count invocations.
	StartCalls int
	StopCalls  int

	stop chan struct{}
}

var _ audio.Source = (*Source)(nil)

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan []int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls++
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	chunks := append([][]int16(nil), s.Chunks...)
	stop := make(chan struct{})
	s.stop = stop

	out := make(chan []int16, len(chunks))
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-stop:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	return s.StopErr
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return 48000
	}
	return s.Rate
}

// Counts returns the Start and Stop call counts.
func (s *Source) Counts() (starts, stops int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls, s.StopCalls
}

// ─── Encoder ─────────────────────────────────────────────────────────────────

// Encoder is a mock [audio.Encoder]. The n-th successful Encode call returns
// the one-byte packet {byte(n)}.
type Encoder struct {
	mu sync.Mutex

	// Size is returned by FrameSize. Defaults to 960.
	Size int

	// Err, when non-nil, is returned by Encode.
	Err error

	// Calls records every frame passed to Encode.
	Calls [][]int16
}

var _ audio.Encoder = (*Encoder)(nil)

// Encode implements [audio.Encoder].
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Calls = append(e.Calls, pcm)
	if e.Err != nil {
		return nil, e.Err
	}
	return []byte{byte(len(e.Calls) - 1)}, nil
}

// FrameSize implements [audio.Encoder].
func (e *Encoder) FrameSize() int {
	if e.Size == 0 {
		return 960
	}
	return e.Size
}

// CallCount returns the number of Encode calls.
func (e *Encoder) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Calls)
}

// ─── Decoder ─────────────────────────────────────────────────────────────────

// Decoder is a mock [audio.Decoder] that expands every packet into
// SamplesPerPacket samples whose value is the first packet byte.
type Decoder struct {
	mu sync.Mutex

	// SamplesPerPacket defaults to 960 (20 ms at 48 kHz).
	SamplesPerPacket int

	// Err, when non-nil, is returned by Decode.
	Err error

	// Packets records every packet passed to Decode.
	Packets [][]byte
}

var _ audio.Decoder = (*Decoder)(nil)

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Packets = append(d.Packets, packet)
	if d.Err != nil {
		return nil, d.Err
	}
	n := d.SamplesPerPacket
	if n == 0 {
		n = 960
	}
	out := make([]int16, n)
	if len(packet) > 0 {
		for i := range out {
			out[i] = int16(packet[0])
		}
	}
	return out, nil
}
