package opus

import (
	"math"
	"testing"
)

func sine(n, rate int, freq float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestFrameSize(t *testing.T) {
	t.Parallel()

	tests := map[int]int{8000: 160, 16000: 320, 48000: 960}
	for rate, want := range tests {
		if got := FrameSize(rate); got != want {
			t.Errorf("FrameSize(%d) = %d, want %d", rate, got, want)
		}
	}
}

func TestValidSampleRate(t *testing.T) {
	t.Parallel()

	for _, rate := range SupportedRates {
		if !ValidSampleRate(rate) {
			t.Errorf("%d should be valid", rate)
		}
	}
	for _, rate := range []int{0, 44100, 22050, -1} {
		if ValidSampleRate(rate) {
			t.Errorf("%d should be invalid", rate)
		}
	}
	if _, err := NewEncoder(44100); err == nil {
		t.Error("expected NewEncoder to reject 44100")
	}
	if _, err := NewDecoder(44100); err == nil {
		t.Error("expected NewDecoder to reject 44100")
	}
}

func TestEncodeDecode_FrameDurationPreserved(t *testing.T) {
	t.Parallel()

	const rate = 48000
	enc, err := NewEncoder(rate, WithBitrate(32000))
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, err := NewDecoder(rate)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	pcm := sine(enc.FrameSize()*10, rate, 440)
	total := 0
	for i := 0; i < 10; i++ {
		frame := pcm[i*enc.FrameSize() : (i+1)*enc.FrameSize()]
		packet, err := enc.Encode(frame)
		if err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
		if len(packet) == 0 {
			t.Fatalf("frame %d: empty packet", i)
		}
		out, err := dec.Decode(packet)
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		total += len(out)
	}
	if want := 10 * FrameSize(rate); total != want {
		t.Errorf("decoded %d samples, want %d", total, want)
	}
}

func TestEncode_WrongFrameSize(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(16000)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]int16, 100)); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestDecode_EmptyPacket(t *testing.T) {
	t.Parallel()

	dec, err := NewDecoder(16000)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	if _, err := dec.Decode(nil); err == nil {
		t.Error("expected error for empty packet")
	}
}
