// Package ffmpeg captures microphone audio by running an ffmpeg subprocess
// that writes raw mono s16le PCM to stdout.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/ghosttype/pkg/audio"
)

const (
	defaultCommand     = "ffmpeg"
	defaultInputFormat = "pulse"
	defaultDevice      = "default"
	defaultSampleRate  = 48000

	// startupGrace is how long Start waits for ffmpeg to fail fast on a bad
	// device before reporting success.
	startupGrace = 250 * time.Millisecond
	stopTimeout  = 1200 * time.Millisecond
	readChunk    = 20 * time.Millisecond
)

// Option configures a [Source].
type Option func(*Source)

// WithCommand overrides the ffmpeg executable path.
func WithCommand(path string) Option {
	return func(s *Source) {
		if path != "" {
			s.command = path
		}
	}
}

// WithInputFormat sets the ffmpeg input format (-f), e.g. "pulse", "alsa",
// "avfoundation" or "dshow".
func WithInputFormat(format string) Option {
	return func(s *Source) {
		if format != "" {
			s.inputFormat = format
		}
	}
}

// WithDevice sets the ffmpeg input device (-i).
func WithDevice(device string) Option {
	return func(s *Source) {
		if device != "" {
			s.device = device
		}
	}
}

// WithSampleRate sets the capture rate.
func WithSampleRate(rate int) Option {
	return func(s *Source) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// Source is an [audio.Source] backed by ffmpeg.
type Source struct {
	command     string
	inputFormat string
	device      string
	sampleRate  int

	mu  sync.Mutex
	run *capture
}

var _ audio.Source = (*Source)(nil)

// New returns a Source; capture does not begin until Start.
func New(opts ...Option) *Source {
	s := &Source{
		command:     defaultCommand,
		inputFormat: defaultInputFormat,
		device:      defaultDevice,
		sampleRate:  defaultSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int { return s.sampleRate }

// args returns the ffmpeg command line.
func (s *Source) args() []string {
	return []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", s.inputFormat,
		"-i", s.device,
		"-ac", "1",
		"-ar", strconv.Itoa(s.sampleRate),
		"-f", "s16le",
		"-",
	}
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context) (<-chan []int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return nil, errors.New("ffmpeg: capture already running")
	}

	cmd := exec.CommandContext(ctx, s.command, s.args()...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg: exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, errors.New("ffmpeg: exited before capture started")
	case <-time.After(startupGrace):
	}

	c := &capture{stdout: stdout, stderr: &stderr, process: cmd.Process, waitErr: waitErr}
	s.run = c

	out := make(chan []int16, 16)
	go c.pump(out, audio.Samples(readChunk, s.sampleRate)*2)
	return out, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	c := s.run
	s.run = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.stop()
}

// capture is one running ffmpeg process.
type capture struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

// pump reads fixed-size byte chunks from ffmpeg and forwards them as PCM.
func (c *capture) pump(out chan<- []int16, chunkBytes int) {
	defer close(out)
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(c.stdout, buf)
		if n >= 2 {
			out <- audio.BytesToInt16s(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				slog.Warn("ffmpeg: capture read failed", "error", err)
			}
			return
		}
	}
}

// stop interrupts ffmpeg, escalating to kill after stopTimeout.
func (c *capture) stop() error {
	c.stopOnce.Do(func() {
		_ = c.process.Signal(os.Interrupt)

		select {
		case err, ok := <-c.waitErr:
			if ok {
				c.stopErr = normalizeExit(err)
			}
		case <-time.After(stopTimeout):
			_ = c.process.Kill()
			if err, ok := <-c.waitErr; ok {
				c.stopErr = normalizeExit(err)
			}
		}

		if err := c.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && c.stopErr == nil {
			c.stopErr = err
		}
		if c.stopErr != nil && c.stderr.Len() > 0 {
			c.stopErr = fmt.Errorf("%w: %s", c.stopErr, strings.TrimSpace(c.stderr.String()))
		}
	})
	return c.stopErr
}

// normalizeExit treats a non-zero exit after an interrupt as a clean stop.
func normalizeExit(err error) error {
	var exitErr *exec.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	return err
}
