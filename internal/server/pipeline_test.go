package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/ghosttype/internal/correction"
	"github.com/MrWong99/ghosttype/internal/resilience"
	"github.com/MrWong99/ghosttype/pkg/protocol"
	sttmock "github.com/MrWong99/ghosttype/pkg/provider/stt/mock"
)

// sink collects messages passed to a SendFunc.
type sink struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ch   chan protocol.Message
}

func newSink() *sink { return &sink{ch: make(chan protocol.Message, 16)} }

func (s *sink) send(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.ch <- msg
	return nil
}

func (s *sink) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func guard(p *sttmock.Provider, name string) *resilience.STTGuard {
	return resilience.NewSTTGuard(p, name, resilience.CircuitBreakerConfig{})
}

func testJob(pcm []int16) Job {
	return Job{
		TraceID:    "trace-1",
		SampleRate: 16000,
		Context:    protocol.Context{AppName: "notes"},
		PCM:        pcm,
	}
}

func TestPipeline_FastTextThenCorrection(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{Text: "  hello  "}
	sched := correction.NewScheduler(correction.CorrectorFunc(
		func(_ context.Context, text string, cx protocol.Context) (string, error) {
			if cx.AppName != "notes" {
				t.Errorf("corrector got context %+v", cx)
			}
			return text + ".", nil
		}), correction.WithMinDelay(0))
	p := NewPipeline(guard(engine, "local"), NewLimits(time.Second, time.Second, 1), WithCorrection(sched))

	released := false
	job := testJob(make([]int16, 1600))
	job.Release = func() { released = true }

	out := newSink()
	p.Process(context.Background(), job, out.send)

	ft, ok := out.next(t).(protocol.FastText)
	if !ok {
		t.Fatalf("first message should be fast_text, got %+v", out.msgs)
	}
	if ft.Content != "hello" || !ft.IsFinal || ft.TraceID != "trace-1" {
		t.Errorf("fast_text = %+v", ft)
	}
	if !released {
		t.Error("budget should be released once recognition finished")
	}

	c, ok := out.next(t).(protocol.Correction)
	if !ok {
		t.Fatal("second message should be a correction")
	}
	want := protocol.Correction{TraceID: "trace-1", OriginalText: "hello", ReplacedText: ".", DeleteCount: 0}
	if c != want {
		t.Errorf("correction = %+v, want %+v", c, want)
	}
	sched.Wait()
}

func TestPipeline_ASRErrorSendsError(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{Err: errors.New("model crashed")}
	called := false
	sched := correction.NewScheduler(correction.CorrectorFunc(
		func(context.Context, string, protocol.Context) (string, error) {
			called = true
			return "", nil
		}))
	p := NewPipeline(guard(engine, "local"), NewLimits(time.Second, time.Second, 1), WithCorrection(sched))

	out := newSink()
	p.Process(context.Background(), testJob(make([]int16, 160)), out.send)
	sched.Wait()

	e, ok := out.next(t).(protocol.Error)
	if !ok {
		t.Fatal("expected an error message")
	}
	if e.TraceID != "trace-1" || !strings.Contains(e.Message, "model crashed") {
		t.Errorf("error = %+v", e)
	}
	if len(out.msgs) != 1 {
		t.Errorf("expected exactly one message, got %d", len(out.msgs))
	}
	if called {
		t.Error("correction must not run after an ASR failure")
	}
}

func TestPipeline_EmptyAudio(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{Text: "never"}
	p := NewPipeline(guard(engine, "local"), NewLimits(time.Second, time.Second, 1))

	out := newSink()
	p.Process(context.Background(), testJob(nil), out.send)

	ft, ok := out.next(t).(protocol.FastText)
	if !ok || ft.Content != "" {
		t.Fatalf("expected empty fast_text, got %+v", out.msgs)
	}
	if engine.CallCount() != 0 {
		t.Error("engine should not be called for empty audio")
	}
}

func TestPipeline_EngineSelection(t *testing.T) {
	t.Parallel()
	local := &sttmock.Provider{Text: "local"}
	cloud := &sttmock.Provider{Text: "cloud"}
	limits := NewLimits(time.Second, time.Second, 1)

	tests := []struct {
		name   string
		p      *Pipeline
		cloud  bool
		expect string
	}{
		{"local by default", NewPipeline(guard(local, "local"), limits, WithCloudEngine(guard(cloud, "cloud"))), false, "local"},
		{"cloud when asked", NewPipeline(guard(local, "local"), limits, WithCloudEngine(guard(cloud, "cloud"))), true, "cloud"},
		{"local when cloud missing", NewPipeline(guard(local, "local"), limits), true, "local"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			job := testJob(make([]int16, 160))
			job.UseCloudAPI = tc.cloud
			out := newSink()
			tc.p.Process(context.Background(), job, out.send)
			if ft := out.next(t).(protocol.FastText); ft.Content != tc.expect {
				t.Errorf("content = %q, want %q", ft.Content, tc.expect)
			}
		})
	}
}

func TestPipeline_CancelledContextSendsNothing(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{Text: "x", Block: make(chan struct{}), Started: make(chan struct{}, 1)}
	p := NewPipeline(guard(engine, "local"), NewLimits(time.Second, time.Second, 1))

	ctx, cancel := context.WithCancel(context.Background())
	out := newSink()
	done := make(chan struct{})
	go func() {
		p.Process(ctx, testJob(make([]int16, 160)), out.send)
		close(done)
	}()
	<-engine.Started
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}
	if len(out.msgs) != 0 {
		t.Errorf("expected no messages, got %+v", out.msgs)
	}
}

func TestPipeline_DumpWAV(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := NewPipeline(guard(&sttmock.Provider{Text: "x"}, "local"), NewLimits(time.Second, time.Second, 1), WithDumpDir(dir))

	out := newSink()
	p.Process(context.Background(), testJob(make([]int16, 1600)), out.send)
	out.next(t)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dump file, got %d", len(entries))
	}
	name := entries[0].Name()
	if !strings.HasPrefix(name, "ghosttype_") || !strings.HasSuffix(name, "_trace-1.wav") {
		t.Errorf("unexpected dump name %q", name)
	}
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 44+1600*2 {
		t.Errorf("dump size = %d, want %d", info.Size(), 44+1600*2)
	}
}

func TestDumpFileName(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 123456789, time.UTC)
	got := DumpFileName(ts, "../etc/passwd")
	want := "ghosttype_20260304_050607_123456____etc_passwd.wav"
	if got != want {
		t.Errorf("DumpFileName = %q, want %q", got, want)
	}
}

func TestPipeline_ReadyReflectsBreaker(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Provider{Err: errors.New("down")}
	g := resilience.NewSTTGuard(engine, "local", resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	p := NewPipeline(g, NewLimits(time.Second, time.Second, 1))

	if err := p.Ready(context.Background()); err != nil {
		t.Fatalf("Ready before failures: %v", err)
	}
	out := newSink()
	p.Process(context.Background(), testJob(make([]int16, 160)), out.send)
	out.next(t)
	if err := p.Ready(context.Background()); err == nil {
		t.Error("Ready should fail once the breaker opened")
	}
}
