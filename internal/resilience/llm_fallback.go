package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/ghosttype/pkg/provider/llm"
)

// ErrAllFailed is returned by [LLMFallback.Complete] when no backend produced
// a response. The last backend error is wrapped alongside it.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the breaker placed in front of each backend of an
// [LLMFallback]. CircuitBreaker.Name is replaced by the backend name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// BackendStatus describes one backend of an [LLMFallback].
type BackendStatus struct {
	Name  string
	State State
}

type backend struct {
	name     string
	provider llm.Provider
	breaker  *CircuitBreaker
}

// LLMFallback implements [llm.Provider] over an ordered list of correction
// backends. Complete tries each backend whose breaker admits the call, in
// registration order, until one answers or ctx is done.
//
// Backends must be registered before the value is used concurrently.
type LLMFallback struct {
	cfg      FallbackConfig
	backends []backend
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	f := &LLMFallback{cfg: cfg}
	f.AddFallback(primaryName, primary)
	return f
}

// AddFallback appends a backend, tried after every backend added before it.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	bc := f.cfg.CircuitBreaker
	bc.Name = name
	f.backends = append(f.backends, backend{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(bc),
	})
}

// Complete implements [llm.Provider]. Failover stops as soon as ctx is done,
// since every remaining backend would share the expired deadline.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	var lastErr error
	for i := range f.backends {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		b := &f.backends[i]

		var resp *llm.CompletionResponse
		err := b.breaker.Execute(func() error {
			var err error
			resp, err = b.provider.Complete(ctx, req)
			return err
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("correction backend skipped, circuit open", "provider", b.name)
		case ctx.Err() != nil:
			slog.Debug("correction backend abandoned", "provider", b.name, "error", err)
		default:
			slog.Warn("correction backend failed, trying next", "provider", b.name, "error", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Healthy reports whether any backend currently accepts calls.
func (f *LLMFallback) Healthy() bool {
	for i := range f.backends {
		if f.backends[i].breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Status reports the breaker state of every backend, primary first.
func (f *LLMFallback) Status() []BackendStatus {
	out := make([]BackendStatus, len(f.backends))
	for i, b := range f.backends {
		out[i] = BackendStatus{Name: b.name, State: b.breaker.State()}
	}
	return out
}
