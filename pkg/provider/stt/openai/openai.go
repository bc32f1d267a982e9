// Package openai implements stt.Provider with the OpenAI audio transcription
// endpoint (Whisper).
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/storyline/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/storyline/pkg/provider/stt"
	"github.com/MrWong99/storyline/pkg/types"
)

// DefaultModel is the transcription model used when none is configured.
const DefaultModel = oai.AudioModelWhisper1

// Provider transcribes clips through the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
	prompt   string
}

var _ stt.Provider = (*Provider)(nil)

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

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(_ *Provider, s *oaiclient.Settings) { s.HTTPClient = c }
}

// WithLanguage sets an ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(p *Provider, _ *oaiclient.Settings) { p.language = lang }
}

// WithPrompt sets a vocabulary hint passed along with every clip.
func WithPrompt(prompt string) Option {
	return func(p *Provider, _ *oaiclient.Settings) { p.prompt = prompt }
}

// New creates a Provider. An empty model selects [DefaultModel].
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
		return nil, fmt.Errorf("stt/openai: %w", err)
	}
	p.client = client
	return p, nil
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, clip types.AudioClip) (string, error) {
	if len(clip.Data) == 0 {
		return "", errors.New("stt/openai: empty audio clip")
	}
	filename := clip.Filename
	if filename == "" {
		filename = "story" + extensionFor(clip.ContentType)
	}
	params := oai.AudioTranscriptionNewParams{
		File:           oai.File(bytes.NewReader(clip.Data), filename, clip.ContentType),
		Model:          oai.AudioModel(p.model),
		ResponseFormat: oai.AudioResponseFormatJSON,
	}
	if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}
	if p.prompt != "" {
		params.Prompt = param.NewOpt(p.prompt)
	}
	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("stt/openai: transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

// extensionFor maps an audio MIME type to the file extension the API uses to
// detect the container format.
func extensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/webm":
		return ".webm"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	default:
		return ".mp3"
	}
}
