// Package mock provides a test double for the llm.Provider interface.
//
// Responses are served in this order of precedence: CompleteFunc, then the
// Responses queue (one entry per call), then CompleteResponse.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []string{"Positive", "A vivid retelling..."},
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/storyline/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Model is returned by ModelID.
	Model string

	// CompleteFunc, when set, computes every response.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)

	// Responses are consumed one per call, in order.
	Responses []string

	// CompleteResponse is returned when Responses is exhausted. A nil value
	// yields an empty response.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

// Complete records the call and returns the configured response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	fn := p.CompleteFunc
	if fn == nil && p.CompleteErr != nil {
		err := p.CompleteErr
		p.mu.Unlock()
		return nil, err
	}
	var queued *string
	if fn == nil && len(p.Responses) > 0 {
		queued = &p.Responses[0]
		p.Responses = p.Responses[1:]
	}
	fixed := p.CompleteResponse
	p.mu.Unlock()

	switch {
	case fn != nil:
		return fn(ctx, req)
	case queued != nil:
		return &llm.CompletionResponse{Content: *queued}, nil
	case fixed != nil:
		return fixed, nil
	default:
		return &llm.CompletionResponse{}, nil
	}
}

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// Calls returns a copy of the recorded calls. Thread-safe.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CompleteCall, len(p.CompleteCalls))
	copy(out, p.CompleteCalls)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
