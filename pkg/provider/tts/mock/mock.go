// Package mock provides a test double for tts.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/types"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// SynthesizeFunc, when set, computes every result.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error)

	// Clip is returned when SynthesizeFunc is nil. A zero Clip yields a small
	// MP3-typed placeholder.
	Clip types.AudioClip

	// SynthesizeErr, if non-nil, is returned as the error from Synthesize.
	SynthesizeErr error

	// SynthesizeCalls records every invocation in order.
	SynthesizeCalls []SynthesizeCall
}

// Synthesize records the call and returns the configured result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	fn, clip, err := p.SynthesizeFunc, p.Clip, p.SynthesizeErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, text, voice)
	}
	if err != nil {
		return types.AudioClip{}, err
	}
	if clip.Data == nil {
		clip = types.AudioClip{Data: []byte("mock-mp3"), ContentType: "audio/mpeg", Filename: "narration.mp3"}
	}
	return clip, nil
}

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.SynthesizeCalls))
	copy(out, p.SynthesizeCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
}

var _ tts.Provider = (*Provider)(nil)
