// Package mock provides a test double for imagegen.Provider.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	"github.com/MrWong99/storyline/pkg/types"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	Ctx    context.Context
	Prompt string
}

// Provider is a mock implementation of imagegen.Provider.
type Provider struct {
	mu sync.Mutex

	// GenerateFunc, when set, computes every result.
	GenerateFunc func(ctx context.Context, prompt string) (types.Image, error)

	// Image is returned when GenerateFunc is nil. A zero Image yields a
	// JPEG-typed placeholder.
	Image types.Image

	// GenerateErr, if non-nil, is returned as the error from Generate.
	GenerateErr error

	// GenerateCalls records every invocation in order.
	GenerateCalls []GenerateCall
}

// Generate records the call and returns the configured result.
func (p *Provider) Generate(ctx context.Context, prompt string) (types.Image, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, Prompt: prompt})
	fn, img, err := p.GenerateFunc, p.Image, p.GenerateErr
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, prompt)
	}
	if err != nil {
		return types.Image{}, err
	}
	if img.Data == nil {
		img = types.Image{Data: []byte("\xff\xd8\xffmock"), ContentType: "image/jpeg"}
	}
	return img, nil
}

// Prompts returns the prompts of all recorded calls. Thread-safe.
func (p *Provider) Prompts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.GenerateCalls))
	for i, c := range p.GenerateCalls {
		out[i] = c.Prompt
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
}

var _ imagegen.Provider = (*Provider)(nil)
