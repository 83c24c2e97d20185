package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/ghosttype/pkg/provider/stt"
)

// ErrEngineUnavailable is returned by [STTGuard] while its breaker is open.
var ErrEngineUnavailable = errors.New("asr engine unavailable")

// STTGuard wraps a single [stt.Provider] in a circuit breaker. ASR failures
// are fatal to the session that hit them, so there is no failover: the guard
// only fails fast while the engine is known to be down, instead of making
// every user wait for the full inference timeout.
type STTGuard struct {
	name     string
	provider stt.Provider
	breaker  *CircuitBreaker
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTGuard)(nil)

// NewSTTGuard wraps provider. cfg.Name defaults to name.
func NewSTTGuard(provider stt.Provider, name string, cfg CircuitBreakerConfig) *STTGuard {
	if cfg.Name == "" {
		cfg.Name = name
	}
	return &STTGuard{
		name:     name,
		provider: provider,
		breaker:  NewCircuitBreaker(cfg),
	}
}

// Transcribe implements [stt.Provider]. Empty audio is not counted as an
// engine failure.
func (g *STTGuard) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error) {
	var text string
	var emptyErr error
	err := g.breaker.Execute(func() error {
		t, err := g.provider.Transcribe(ctx, pcm, sampleRate)
		if errors.Is(err, stt.ErrEmptyAudio) {
			emptyErr = err
			return nil
		}
		text = t
		return err
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "", fmt.Errorf("%s: %w", g.name, ErrEngineUnavailable)
	case err != nil:
		return "", err
	case emptyErr != nil:
		return "", emptyErr
	}
	return text, nil
}

// Name returns the engine label.
func (g *STTGuard) Name() string {
	return g.name
}

// Healthy reports whether the engine currently accepts calls.
func (g *STTGuard) Healthy() bool {
	return g.breaker.State() != StateOpen
}
