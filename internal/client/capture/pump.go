// Package capture streams microphone audio to the server while a session is
// recording: source → framer → encoder → bounded queue → transport.
//
// Capture and sending run on separate goroutines joined only by an
// [audio.FrameQueue], so a slow network drops the oldest audio instead of
// stalling the microphone.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/pkg/audio"
)

// DefaultQueueSize holds one second of 20ms frames.
const DefaultQueueSize = 50

// ErrBusy is returned by Start while a previous recording is still running.
var ErrBusy = errors.New("capture: already recording")

// Sender transmits one encoded frame.
type Sender interface {
	SendBinary(ctx context.Context, data []byte) error
}

// EncoderFactory creates a fresh encoder for one recording. Codec state is
// never shared between sessions.
type EncoderFactory func(sampleRate int) (audio.Encoder, error)

// Option configures a [Pump].
type Option func(*Pump)

// WithQueueSize sets the frame queue capacity.
func WithQueueSize(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics records dropped frames.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pump) { p.metrics = m }
}

// Pump runs one recording at a time. It implements the session package's
// Recorder contract.
type Pump struct {
	source     audio.Source
	newEncoder EncoderFactory
	sender     Sender
	queueSize  int
	metrics    *observe.Metrics

	dropped   atomic.Uint64
	sent      atomic.Uint64
	abandoned atomic.Uint64

	mu  sync.Mutex
	cur *recording
}

type recording struct {
	traceID string
	queue   *audio.FrameQueue
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New returns a Pump reading from source and writing through sender.
func New(source audio.Source, newEncoder EncoderFactory, sender Sender, opts ...Option) *Pump {
	p := &Pump{
		source:     source,
		newEncoder: newEncoder,
		sender:     sender,
		queueSize:  DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins capturing for traceID.
func (p *Pump) Start(ctx context.Context, traceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur != nil {
		return ErrBusy
	}

	rate := p.source.SampleRate()
	enc, err := p.newEncoder(rate)
	if err != nil {
		return fmt.Errorf("capture: create encoder: %w", err)
	}
	rctx, cancel := context.WithCancel(ctx)
	pcm, err := p.source.Start(rctx)
	if err != nil {
		cancel()
		return fmt.Errorf("capture: start source: %w", err)
	}

	r := &recording{
		traceID: traceID,
		queue:   audio.NewFrameQueue(p.queueSize),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	p.cur = r

	var g errgroup.Group
	g.Go(func() error { return p.produce(rctx, r, enc, rate, pcm) })
	g.Go(func() error { return p.consume(rctx, r) })
	go func() {
		r.err = g.Wait()
		close(r.done)
	}()
	return nil
}

// Stop ends the current recording. It returns after every captured frame has
// been handed to the sender, or when ctx ends, in which case unsent frames
// are abandoned.
func (p *Pump) Stop(ctx context.Context) error {
	p.mu.Lock()
	r := p.cur
	p.cur = nil
	p.mu.Unlock()
	if r == nil {
		return nil
	}

	stopErr := p.source.Stop()
	select {
	case <-r.done:
	case <-ctx.Done():
		n := r.queue.Clear()
		r.cancel()
		<-r.done
		p.abandoned.Add(uint64(n))
		slog.Warn("capture: abandoned unsent frames", "trace_id", r.traceID, "frames", n)
	}
	r.cancel()
	return errors.Join(stopErr, r.err)
}

// Dropped returns the number of frames evicted from a full queue since the
// pump was created.
func (p *Pump) Dropped() uint64 { return p.dropped.Load() }

// Abandoned returns the number of queued frames discarded because Stop ran
// out of time.
func (p *Pump) Abandoned() uint64 { return p.abandoned.Load() }

// Sent returns the number of frames handed to the sender.
func (p *Pump) Sent() uint64 { return p.sent.Load() }

func (p *Pump) produce(ctx context.Context, r *recording, enc audio.Encoder, rate int, pcm <-chan []int16) error {
	defer r.queue.Close()

	framer := audio.NewFramer(enc.FrameSize())
	var seq uint64
	push := func(samples []int16) {
		data, err := enc.Encode(samples)
		if err != nil {
			slog.Debug("capture: encode failed", "trace_id", r.traceID, "err", err)
			return
		}
		f := audio.Frame{
			TraceID:   r.traceID,
			Seq:       seq,
			Data:      data,
			Timestamp: audio.Duration(int(seq)*enc.FrameSize(), rate),
		}
		seq++
		if r.queue.Push(f) {
			p.dropped.Add(1)
			if p.metrics != nil {
				p.metrics.FramesDropped.Add(ctx, 1)
			}
		}
	}

	for chunk := range pcm {
		for _, frame := range framer.Push(chunk) {
			push(frame)
		}
	}
	if tail := framer.Flush(); tail != nil {
		push(tail)
	}
	slog.Debug("capture: source finished", "trace_id", r.traceID, "frames", seq)
	return nil
}

func (p *Pump) consume(ctx context.Context, r *recording) error {
	for {
		f, ok := r.queue.Pop(ctx)
		if !ok {
			return nil
		}
		if err := p.sender.SendBinary(ctx, f.Data); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("capture: frame not sent", "trace_id", r.traceID, "seq", f.Seq, "err", err)
			continue
		}
		p.sent.Add(1)
	}
}
