// Package mock provides a test double for embeddings.Provider.
//
// Without configured results the mock derives a deterministic vector from the
// text, so identical texts embed identically.
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/storyline/pkg/provider/embeddings"
)

// EmbedBatchCall records a single invocation of EmbedBatch (Embed is recorded
// as a batch of one).
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc, when set, computes the vector for each text.
	EmbedFunc func(text string) []float32

	// EmbedErr, if non-nil, is returned from Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions. Zero means 8.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// Calls records every invocation in order.
	Calls []EmbedBatchCall
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.Calls = append(p.Calls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	fn, err, dims := p.EmbedFunc, p.EmbedErr, p.dims()
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if fn != nil {
			out[i] = fn(t)
		} else {
			out[i] = hashVector(t, dims)
		}
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

func (p *Provider) dims() int {
	if p.DimensionsValue > 0 {
		return p.DimensionsValue
	}
	return 8
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

func hashVector(text string, dims int) []float32 {
	vec := make([]float32, dims)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(seed>>40)/float32(1<<24) - 0.5
	}
	return vec
}

var _ embeddings.Provider = (*Provider)(nil)
