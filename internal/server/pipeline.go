package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/ghosttype/internal/correction"
	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/pkg/audio"
	"github.com/MrWong99/ghosttype/pkg/protocol"
	"github.com/MrWong99/ghosttype/pkg/provider/stt"
)

// Engine is a named speech recognition engine.
type Engine interface {
	stt.Provider
	Name() string
}

// Job is one finalized recording handed from a connection to the pipeline.
type Job struct {
	TraceID     string
	SampleRate  int
	Context     protocol.Context
	UseCloudAPI bool

	// PCM is owned by the job from here on.
	PCM []int16

	// Release frees the session's buffered-audio reservation. The pipeline
	// calls it once recognition has finished.
	Release func()
}

// JobFromSession finalizes sess and wraps its audio in a [Job].
func JobFromSession(sess *Session) Job {
	pcm, release := sess.Finalize()
	return Job{
		TraceID:     sess.TraceID,
		SampleRate:  sess.SampleRate,
		Context:     sess.Context,
		UseCloudAPI: sess.UseCloudAPI,
		PCM:         pcm,
		Release:     release,
	}
}

// SendFunc delivers a server message on a connection. It fails once the
// connection is gone.
type SendFunc func(ctx context.Context, msg protocol.Message) error

// PipelineOption is a functional option for [NewPipeline].
type PipelineOption func(*Pipeline)

// WithCloudEngine sets the engine used for sessions started with
// use_cloud_api. Without it those sessions use the local engine.
func WithCloudEngine(e Engine) PipelineOption {
	return func(p *Pipeline) { p.cloud = e }
}

// WithDumpDir writes every finalized recording as a WAV file into dir.
func WithDumpDir(dir string) PipelineOption {
	return func(p *Pipeline) { p.dumpDir = dir }
}

// WithCorrection enables delayed corrections after fast_text.
func WithCorrection(s *correction.Scheduler) PipelineOption {
	return func(p *Pipeline) { p.scheduler = s }
}

// WithPipelineMetrics records ASR latency and session errors on m.
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline turns finalized recordings into fast_text and correction
// messages. It is shared by all connections and safe for concurrent use.
type Pipeline struct {
	local     Engine
	cloud     Engine
	limits    *Limits
	dumpDir   string
	scheduler *correction.Scheduler
	metrics   *observe.Metrics
}

// NewPipeline returns a pipeline recognising with local and running at most
// as many recognitions at once as limits allows.
func NewPipeline(local Engine, limits *Limits, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{local: local, limits: limits}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process recognises job and sends the outcome: fast_text on success, or an
// error message when recognition fails. A successful non-empty fast_text is
// followed by an asynchronous correction when correction is enabled.
//
// Process blocks until fast_text was sent; the correction is delivered
// later through send. Cancelling ctx abandons both.
func (p *Pipeline) Process(ctx context.Context, job Job, send SendFunc) {
	log := observe.SessionLogger(ctx, job.TraceID)

	p.dump(log, job)
	text, err := p.transcribe(ctx, job)
	if job.Release != nil {
		job.Release()
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("asr failed", "err", err)
		p.recordError(ctx, "asr")
		_ = send(ctx, protocol.Errorf(job.TraceID, "asr failed: %v", err))
		return
	}

	text = strings.TrimSpace(text)
	if err := send(ctx, protocol.FastText{TraceID: job.TraceID, Content: text, IsFinal: true}); err != nil {
		return
	}
	fastAt := time.Now()
	log.Info("fast_text sent", "chars", len([]rune(text)))

	if text == "" || p.scheduler == nil {
		return
	}
	p.scheduler.Schedule(ctx, correction.Request{
		TraceID:    job.TraceID,
		Text:       text,
		Context:    job.Context,
		FastTextAt: fastAt,
	}, func(c protocol.Correction) {
		if err := send(ctx, c); err == nil {
			log.Info("correction sent", "delete_count", c.DeleteCount)
		}
	})
}

// transcribe recognises job without sending anything. Empty audio yields an
// empty transcript.
func (p *Pipeline) transcribe(ctx context.Context, job Job) (string, error) {
	if len(job.PCM) == 0 {
		return "", nil
	}
	engine := p.engineFor(ctx, job)

	release, err := p.limits.AcquireWorker(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, span := observe.StartSpan(ctx, "asr.transcribe")
	defer span.End()

	start := time.Now()
	text, err := engine.Transcribe(ctx, job.PCM, job.SampleRate)
	if p.metrics != nil {
		p.metrics.RecordASR(ctx, engine.Name(), time.Since(start))
	}
	if errors.Is(err, stt.ErrEmptyAudio) {
		return "", nil
	}
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("%s: %w", engine.Name(), err)
	}
	observe.SessionLogger(ctx, job.TraceID).Debug("asr done",
		"engine", engine.Name(),
		"audio", audio.Duration(len(job.PCM), job.SampleRate),
		"latency", time.Since(start),
	)
	return text, nil
}

func (p *Pipeline) engineFor(ctx context.Context, job Job) Engine {
	if !job.UseCloudAPI {
		return p.local
	}
	if p.cloud == nil {
		observe.SessionLogger(ctx, job.TraceID).Warn("cloud asr requested but not configured, using local engine")
		return p.local
	}
	return p.cloud
}

// Ready reports an error when the local engine is failing fast.
func (p *Pipeline) Ready(context.Context) error {
	type healthy interface{ Healthy() bool }
	if h, ok := p.local.(healthy); ok && !h.Healthy() {
		return fmt.Errorf("asr engine %s circuit open", p.local.Name())
	}
	return nil
}

func (p *Pipeline) dump(log *slog.Logger, job Job) {
	if p.dumpDir == "" || len(job.PCM) == 0 {
		return
	}
	path := filepath.Join(p.dumpDir, DumpFileName(time.Now(), job.TraceID))
	if err := os.WriteFile(path, audio.EncodeWAV(job.PCM, job.SampleRate), 0o644); err != nil {
		log.Warn("dump wav failed", "path", path, "err", err)
		return
	}
	log.Debug("dumped wav", "path", path)
}

func (p *Pipeline) recordError(ctx context.Context, reason string) {
	if p.metrics != nil {
		p.metrics.RecordSessionError(ctx, reason)
	}
}

// DumpFileName returns the WAV dump name for a recording finalized at t.
// Characters of traceID outside [A-Za-z0-9_-] are replaced.
func DumpFileName(t time.Time, traceID string) string {
	safe := []rune(traceID)
	if len(safe) > 64 {
		safe = safe[:64]
	}
	for i, r := range safe {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			safe[i] = '_'
		}
	}
	return fmt.Sprintf("ghosttype_%s_%06d_%s.wav", t.Format("20060102_150405"), t.Nanosecond()/1000, string(safe))
}
