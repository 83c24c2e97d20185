package correction

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MrWong99/ghosttype/pkg/protocol"
)

// ErrUnavailable is returned by correctors whose backend cannot currently
// serve requests (for example, an open circuit breaker).
var ErrUnavailable = errors.New("correction: engine unavailable")

// Corrector rewrites fast ASR text. Returning the input unchanged means "no
// correction". Implementations must be safe for concurrent use.
type Corrector interface {
	Correct(ctx context.Context, text string, cx protocol.Context) (string, error)
}

// CorrectorFunc adapts a plain function to [Corrector].
type CorrectorFunc func(ctx context.Context, text string, cx protocol.Context) (string, error)

// Correct implements [Corrector].
func (f CorrectorFunc) Correct(ctx context.Context, text string, cx protocol.Context) (string, error) {
	return f(ctx, text, cx)
}

// Chain runs correctors in order, feeding each one the previous output.
// The first error aborts the chain.
type Chain []Corrector

var _ Corrector = Chain(nil)

// Correct implements [Corrector].
func (c Chain) Correct(ctx context.Context, text string, cx protocol.Context) (string, error) {
	out := text
	for i, stage := range c {
		if stage == nil {
			continue
		}
		next, err := stage.Correct(ctx, out, cx)
		if err != nil {
			slog.Debug("correction: stage failed", "stage", i, "err", err)
			return text, err
		}
		out = next
	}
	return out, nil
}
