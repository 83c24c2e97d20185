// Package audio holds the audio primitives shared by the GhostType client and
// server: PCM helpers, the capture [Source] contract, the codec contracts and
// the bounded [FrameQueue] that decouples capture from the network.
//
// PCM is always 16-bit signed mono, represented as []int16 in memory and as
// little-endian bytes when it crosses a process boundary.
package audio

import (
	"context"
	"time"
)

// Frame is one encoded audio packet on its way from the capture pump to the
// transport. A frame is never mutated once it has been queued.
type Frame struct {
	// TraceID is the session the frame was captured for.
	TraceID string

	// Seq is the zero-based position of the frame within its session. It is
	// only used for logging; the wire format carries no sequence number.
	Seq uint64

	// Data is the encoded packet.
	Data []byte

	// Timestamp is the capture offset of the frame from session start.
	Timestamp time.Duration
}

// Source produces microphone PCM while recording is active.
//
// Implementations must be safe to Start again after Stop.
type Source interface {
	// Start begins capture and returns a channel of mono PCM chunks at
	// [Source.SampleRate]. Chunks may have any length. The channel is closed
	// when capture ends, either through Stop, ctx cancellation or a device
	// failure.
	Start(ctx context.Context) (<-chan []int16, error)

	// Stop ends capture. It is safe to call Stop on a source that is not
	// running.
	Stop() error

	// SampleRate returns the rate of the PCM produced by Start.
	SampleRate() int
}

// Encoder compresses fixed-size PCM frames.
type Encoder interface {
	// Encode compresses exactly FrameSize samples into one packet.
	Encode(pcm []int16) ([]byte, error)

	// FrameSize returns the number of samples per packet.
	FrameSize() int
}

// Decoder expands packets back into PCM. A decoder carries inter-frame state,
// so one decoder serves exactly one stream.
type Decoder interface {
	Decode(packet []byte) ([]int16, error)
}
