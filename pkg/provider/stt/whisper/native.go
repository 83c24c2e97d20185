package whisper

// NativeProvider needs libwhisper.a and whisper.h at link time, found through
// LIBRARY_PATH and C_INCLUDE_PATH.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/ghosttype/pkg/audio"
	"github.com/MrWong99/ghosttype/pkg/provider/stt"
)

var _ stt.Provider = (*NativeProvider)(nil)

// NativeProvider runs whisper.cpp in-process. The model is loaded once and
// shared; every utterance gets its own inference context. At most
// [WithNativeConcurrency] inferences run at a time, and a waiting request
// gives up its slot when its context ends.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	slots    *semaphore.Weighted
}

// NativeOption configures a [NativeProvider].
type NativeOption func(*nativeSettings)

type nativeSettings struct {
	language    string
	concurrency int64
}

// WithNativeLanguage sets the spoken language ("en", "zh", ...). Default:
// "auto".
func WithNativeLanguage(lang string) NativeOption {
	return func(s *nativeSettings) {
		if lang != "" {
			s.language = lang
		}
	}
}

// WithNativeConcurrency bounds parallel inferences. Default: half the CPUs,
// at least one.
func WithNativeConcurrency(n int) NativeOption {
	return func(s *nativeSettings) {
		if n > 0 {
			s.concurrency = int64(n)
		}
	}
}

// NewNative loads the model at modelPath. Call Close to release it.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	s := nativeSettings{
		language:    defaultLanguage,
		concurrency: int64(max(1, runtime.NumCPU()/2)),
	}
	for _, opt := range opts {
		opt(&s)
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	return &NativeProvider{
		model:    model,
		language: s.language,
		slots:    semaphore.NewWeighted(s.concurrency),
	}, nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model == nil {
		return nil
	}
	return p.model.Close()
}

// Transcribe implements [stt.Provider]. whisper.cpp cannot be interrupted
// mid-inference: when ctx ends first, Transcribe returns at once and the
// result is discarded once inference finishes.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error) {
	if len(pcm) == 0 {
		return "", stt.ErrEmptyAudio
	}
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}
	samples := audio.ToFloat32(audio.Resample(pcm, sampleRate, modelSampleRate))

	type outcome struct {
		text string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer p.slots.Release(1)
		text, err := p.infer(samples)
		done <- outcome{text, err}
	}()

	select {
	case o := <-done:
		return o.text, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("whisper: %w", ctx.Err())
	}
}

func (p *NativeProvider) infer(samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: new context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper language rejected, using model default", "language", p.language, "error", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process: %w", err)
	}

	var b strings.Builder
	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: next segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
