package resilience

import (
	"context"

	"github.com/MrWong99/storyline/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across LLM backends.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) { f.group.AddFallback(name, p) }

// Complete sends req to the first healthy backend. A per-request model
// override is dropped for fallbacks, since it names a model of the primary.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return executeEntries(ctx, f.group, func(ctx context.Context, i int, e *fallbackEntry[llm.Provider]) (*llm.CompletionResponse, error) {
		r := req
		if i > 0 {
			r.Model = ""
		}
		return e.value.Complete(ctx, r)
	})
}

// ModelID reports the primary's model.
func (f *LLMFallback) ModelID() string { return f.group.Primary().ModelID() }
