// Package mock provides a test double for [stt.Provider].
//
// Example:
//
//	p := &mock.Provider{Text: "hello world"}
//	text, _ := p.Transcribe(ctx, pcm, 48000)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/ghosttype/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is the number of PCM samples received.
	Samples int
	// SampleRate is the declared rate.
	SampleRate int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Text is returned by Transcribe on success.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Block, if non-nil, makes Transcribe wait until Block is closed or the
	// context ends. Useful for testing cancellation and worker isolation.
	Block chan struct{}

	// Started, if non-nil, receives one value when Transcribe begins.
	Started chan struct{}

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns Text, Err.
func (p *Provider) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Samples: len(pcm), SampleRate: sampleRate})
	block, started := p.Block, p.Started
	text, err := p.Text, p.Err
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return text, err
}

// CallCount returns the number of Transcribe calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// LastCall returns the most recent call and whether one exists.
func (p *Provider) LastCall() (TranscribeCall, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Calls) == 0 {
		return TranscribeCall{}, false
	}
	return p.Calls[len(p.Calls)-1], true
}
