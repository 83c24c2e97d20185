package correction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/ghosttype/internal/observe"
	"github.com/MrWong99/ghosttype/pkg/protocol"
)

const (
	// DefaultTimeout bounds a single correction attempt.
	DefaultTimeout = 3 * time.Second

	// DefaultMinDelay is the minimum time between fast_text and its
	// correction, so the injected fast text settles first.
	DefaultMinDelay = 500 * time.Millisecond
)

// Request describes one fast_text that may be corrected.
type Request struct {
	TraceID string
	Text    string
	Context protocol.Context

	// FastTextAt is when fast_text was sent. The zero value means now.
	FastTextAt time.Time
}

// SchedulerOption is a functional option for [Scheduler].
type SchedulerOption func(*Scheduler)

// WithTimeout bounds each correction attempt. Default: 3s.
func WithTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithMinDelay sets the minimum delay after fast_text. Default: 500ms.
// Zero disables the delay.
func WithMinDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.minDelay = d
		}
	}
}

// WithMetrics records correction latency and outcomes on m.
func WithMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler runs corrections off the connection's receive path and turns
// changed results into protocol.Correction messages.
type Scheduler struct {
	corrector Corrector
	timeout   time.Duration
	minDelay  time.Duration
	metrics   *observe.Metrics

	wg sync.WaitGroup
}

// NewScheduler returns a Scheduler backed by c.
func NewScheduler(c Corrector, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		corrector: c,
		timeout:   DefaultTimeout,
		minDelay:  DefaultMinDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Correct runs the corrector synchronously. It returns ok=false when no
// correction should be sent: the result equals the input, the corrector
// failed or timed out, or ctx was cancelled while waiting for the minimum
// delay.
func (s *Scheduler) Correct(ctx context.Context, req Request) (protocol.Correction, bool) {
	if s.corrector == nil || req.Text == "" {
		return protocol.Correction{}, false
	}
	if req.FastTextAt.IsZero() {
		req.FastTextAt = time.Now()
	}
	log := observe.SessionLogger(ctx, req.TraceID)

	ctx, span := observe.StartSpan(ctx, "correction.correct")
	defer span.End()

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	start := time.Now()
	corrected, err := s.corrector.Correct(cctx, req.Text, req.Context)
	cancel()
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.record(ctx, "timeout", elapsed)
		log.Info("correction timed out", "timeout", s.timeout)
		return protocol.Correction{}, false
	case err != nil:
		s.record(ctx, "error", elapsed)
		if ctx.Err() == nil {
			log.Warn("correction failed", "err", err)
		}
		return protocol.Correction{}, false
	case corrected == req.Text:
		s.record(ctx, "unchanged", elapsed)
		return protocol.Correction{}, false
	}
	s.record(ctx, "changed", elapsed)

	plan := Diff(req.Text, corrected)
	if wait := time.Until(req.FastTextAt.Add(s.minDelay)); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return protocol.Correction{}, false
		}
	}

	log.Debug("correction ready", "delete_count", plan.DeleteCount, "latency", elapsed)
	return protocol.Correction{
		TraceID:      req.TraceID,
		OriginalText: req.Text,
		ReplacedText: plan.ReplacedText,
		DeleteCount:  plan.DeleteCount,
	}, true
}

// Schedule runs [Scheduler.Correct] on a new goroutine and passes a result to
// deliver. Cancelling ctx abandons the attempt.
func (s *Scheduler) Schedule(ctx context.Context, req Request, deliver func(protocol.Correction)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c, ok := s.Correct(ctx, req)
		if !ok || ctx.Err() != nil {
			return
		}
		deliver(c)
		if s.metrics != nil {
			s.metrics.CorrectionsSent.Add(ctx, 1)
		}
	}()
}

// Wait blocks until every scheduled correction has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) record(ctx context.Context, outcome string, d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordLLM(ctx, outcome, d)
	}
}
