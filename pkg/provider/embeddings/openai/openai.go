// Package openai provides an embeddings provider backed by the OpenAI API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/storyline/pkg/provider/embeddings"
	"github.com/MrWong99/storyline/pkg/provider/internal/oaiclient"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// maxInputChars keeps a single input comfortably under the model's token
// limit.
const maxInputChars = 24_000

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

// Option configures a Provider.
type Option func(*Provider, *oaiclient.Settings)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.BaseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.HTTPClient = c }
}

// WithDimensions asks the API to shorten vectors to n entries. Only the
// text-embedding-3 models honour it.
func WithDimensions(n int) Option {
	return func(p *Provider, _ *oaiclient.Settings) { p.dimensions = n }
}

// New constructs a Provider. If model is empty, [DefaultModel] is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{model: model}
	var s oaiclient.Settings
	for _, o := range opts {
		o(p, &s)
	}
	client, err := oaiclient.New(apiKey, s)
	if err != nil {
		return nil, fmt.Errorf("embeddings/openai: %w", err)
	}
	p.client = client
	return p, nil
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
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.New("embeddings/openai: empty input text")
		}
		inputs[i] = truncate(t, maxInputChars)
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embeddings/openai: embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings/openai: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("embeddings/openai: unexpected index %d", e.Index)
		}
		vec := make([]float32, len(e.Embedding))
		for i, v := range e.Embedding {
			vec[i] = float32(v)
		}
		out[e.Index] = vec
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	switch strings.ToLower(p.model) {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
