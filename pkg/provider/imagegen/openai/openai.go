// Package openai implements imagegen.Provider with the OpenAI image
// generation endpoint (DALL-E).
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	"github.com/MrWong99/storyline/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/storyline/pkg/types"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = oai.ImageModelDallE3
	// DefaultSize is the square size every illustration is rendered at.
	DefaultSize = oai.ImageGenerateParamsSize1024x1024

	maxImageBytes = 32 << 20
)

// Provider renders illustrations through the OpenAI API.
type Provider struct {
	client     oai.Client
	httpClient *http.Client
	model      string
	size       oai.ImageGenerateParamsSize
}

var _ imagegen.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider, *oaiclient.Settings)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.BaseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.Timeout = d }
}

// WithHTTPClient replaces the HTTP client used for API calls and image
// downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider, s *oaiclient.Settings) {
		s.HTTPClient = c
		p.httpClient = c
	}
}

// WithSize sets the rendered image size (e.g. "1792x1024").
func WithSize(size string) Option {
	return func(p *Provider, _ *oaiclient.Settings) { p.size = oai.ImageGenerateParamsSize(size) }
}

// New creates a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	p := &Provider{model: model, size: DefaultSize, httpClient: http.DefaultClient}
	var s oaiclient.Settings
	for _, o := range opts {
		o(p, &s)
	}
	client, err := oaiclient.New(apiKey, s)
	if err != nil {
		return nil, fmt.Errorf("imagegen/openai: %w", err)
	}
	p.client = client
	return p, nil
}

// Generate implements imagegen.Provider. Images are requested as base64; a
// response that only carries a URL is downloaded.
func (p *Provider) Generate(ctx context.Context, prompt string) (types.Image, error) {
	if prompt == "" {
		return types.Image{}, errors.New("imagegen/openai: empty prompt")
	}
	res, err := p.client.Images.Generate(ctx, oai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          oai.ImageModel(p.model),
		N:              param.NewOpt[int64](1),
		Size:           p.size,
		ResponseFormat: oai.ImageGenerateParamsResponseFormatB64JSON,
	})
	if err != nil {
		return types.Image{}, fmt.Errorf("imagegen/openai: generate: %w", err)
	}
	if len(res.Data) == 0 {
		return types.Image{}, errors.New("imagegen/openai: no image in response")
	}
	img := res.Data[0]

	var data []byte
	switch {
	case img.B64JSON != "":
		data, err = base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return types.Image{}, fmt.Errorf("imagegen/openai: decode image: %w", err)
		}
	case img.URL != "":
		data, err = p.download(ctx, img.URL)
		if err != nil {
			return types.Image{}, fmt.Errorf("imagegen/openai: %w", err)
		}
	default:
		return types.Image{}, errors.New("imagegen/openai: image carries neither data nor URL")
	}
	return types.Image{
		Data:          data,
		ContentType:   http.DetectContentType(data),
		RevisedPrompt: img.RevisedPrompt,
	}, nil
}

func (p *Provider) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return data, nil
}
