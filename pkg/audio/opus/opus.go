// Package opus wraps the gopus bindings as the GhostType packet codec:
// mono Opus packets of exactly 20 ms each.
//
// The client owns one [Encoder] per session and the server one [Decoder] per
// session; both carry inter-frame state and must not be shared between
// streams.
package opus

import (
	"fmt"
	"slices"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/ghosttype/pkg/audio"
)

const (
	// FrameDuration is the play time of one packet on the wire.
	FrameDuration = 20 * time.Millisecond

	channels = 1

	// maxPacketBytes bounds a single encoded packet (RFC 6716 recommends
	// 4000 bytes as a safe upper limit).
	maxPacketBytes = 4000

	// maxFrameMs is the longest frame an Opus packet may carry. Decoding with
	// this buffer size accepts packets from encoders using other frame sizes.
	maxFrameMs = 120
)

// SupportedRates lists the sample rates Opus can encode natively.
var SupportedRates = []int{8000, 12000, 16000, 24000, 48000}

// ValidSampleRate reports whether rate is one of [SupportedRates].
func ValidSampleRate(rate int) bool {
	return slices.Contains(SupportedRates, rate)
}

// FrameSize returns the number of samples in one 20 ms frame at rate.
func FrameSize(rate int) int {
	return rate * int(FrameDuration/time.Millisecond) / 1000
}

// Option configures an [Encoder].
type Option func(*encoderOptions)

type encoderOptions struct {
	bitrate int
}

// WithBitrate sets the target bitrate in bits per second. Zero keeps the
// libopus default for the sample rate.
func WithBitrate(bps int) Option {
	return func(o *encoderOptions) { o.bitrate = bps }
}

// Encoder compresses 20 ms mono PCM frames. It implements [audio.Encoder].
type Encoder struct {
	enc       *gopus.Encoder
	frameSize int
}

var _ audio.Encoder = (*Encoder)(nil)

// NewEncoder creates a VoIP-tuned encoder for rate.
func NewEncoder(rate int, opts ...Option) (*Encoder, error) {
	if !ValidSampleRate(rate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d (supported: %v)", rate, SupportedRates)
	}
	var o encoderOptions
	for _, opt := range opts {
		opt(&o)
	}
	enc, err := gopus.NewEncoder(rate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if o.bitrate > 0 {
		enc.SetBitrate(o.bitrate)
	}
	return &Encoder{enc: enc, frameSize: FrameSize(rate)}, nil
}

// Encode compresses exactly [Encoder.FrameSize] samples into one packet.
func (e *Encoder) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != e.frameSize {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(pcm), e.frameSize)
	}
	packet, err := e.enc.Encode(pcm, e.frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}

// FrameSize returns the number of samples per packet.
func (e *Encoder) FrameSize() int { return e.frameSize }

// Decoder expands packets of one stream. It implements [audio.Decoder].
type Decoder struct {
	dec     *gopus.Decoder
	maxSize int
}

var _ audio.Decoder = (*Decoder)(nil)

// NewDecoder creates a decoder producing mono PCM at rate.
func NewDecoder(rate int) (*Decoder, error) {
	if !ValidSampleRate(rate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d (supported: %v)", rate, SupportedRates)
	}
	dec, err := gopus.NewDecoder(rate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{dec: dec, maxSize: rate * maxFrameMs / 1000}, nil
}

// Decode expands one packet into PCM samples.
func (d *Decoder) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("opus: decode: empty packet")
	}
	pcm, err := d.dec.Decode(packet, d.maxSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}
