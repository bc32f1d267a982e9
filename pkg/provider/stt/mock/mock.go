// Package mock provides a test double for stt.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/storyline/pkg/provider/stt"
	"github.com/MrWong99/storyline/pkg/types"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	Ctx  context.Context
	Clip types.AudioClip
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// TranscribeFunc, when set, computes every result.
	TranscribeFunc func(ctx context.Context, clip types.AudioClip) (string, error)

	// Text is returned by Transcribe when TranscribeFunc is nil.
	Text string

	// TranscribeErr, if non-nil, is returned as the error from Transcribe.
	TranscribeErr error

	// TranscribeCalls records every invocation in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip) (string, error) {
	p.mu.Lock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Clip: clip})
	fn, text, err := p.TranscribeFunc, p.Text, p.TranscribeErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, clip)
	}
	return text, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

var _ stt.Provider = (*Provider)(nil)
