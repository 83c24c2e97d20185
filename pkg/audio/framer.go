package audio

// Framer cuts an arbitrary stream of PCM chunks into fixed-size frames, as
// required by packet codecs such as Opus.
//
// A Framer is owned by a single goroutine.
type Framer struct {
	size    int
	pending []int16
}

// NewFramer returns a Framer producing frames of size samples.
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = 1
	}
	return &Framer{size: size, pending: make([]int16, 0, size)}
}

// Push appends samples and returns every frame completed by them. Returned
// frames are freshly allocated and may be retained by the caller.
func (f *Framer) Push(samples []int16) [][]int16 {
	var out [][]int16
	for len(samples) > 0 {
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) == f.size {
			frame := make([]int16, f.size)
			copy(frame, f.pending)
			out = append(out, frame)
			f.pending = f.pending[:0]
		}
	}
	return out
}

// Flush returns the buffered partial frame padded with silence, or nil when
// nothing is pending. The Framer is empty afterwards.
func (f *Framer) Flush() []int16 {
	if len(f.pending) == 0 {
		return nil
	}
	frame := make([]int16, f.size)
	copy(frame, f.pending)
	f.pending = f.pending[:0]
	return frame
}

// Pending returns the number of buffered samples.
func (f *Framer) Pending() int { return len(f.pending) }
