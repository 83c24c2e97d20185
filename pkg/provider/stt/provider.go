// Package stt defines the Provider interface for the speech recognition
// engines GhostType dispatches finished recordings to.
//
// Recognition is batch-shaped: the server buffers a whole push-to-talk
// utterance and hands it to [Provider.Transcribe] once the user releases the
// hotkey. Engines are treated as black boxes; model format and feature
// extraction stay behind this interface.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers asked to transcribe zero samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider transcribes mono PCM audio.
type Provider interface {
	// Transcribe returns the text spoken in pcm, which holds mono 16-bit
	// samples at sampleRate. Providers resample internally when their model
	// expects a different rate. An empty string with a nil error means no
	// speech was recognised.
	//
	// Cancelling ctx abandons the request; the returned error then wraps
	// ctx.Err().
	Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error)
}

// ProviderFunc adapts a function to [Provider].
type ProviderFunc func(ctx context.Context, pcm []int16, sampleRate int) (string, error)

// Transcribe implements [Provider].
func (f ProviderFunc) Transcribe(ctx context.Context, pcm []int16, sampleRate int) (string, error) {
	return f(ctx, pcm, sampleRate)
}
