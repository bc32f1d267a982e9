// Package openai implements tts.Provider with the OpenAI speech endpoint.
// Narrations longer than the per-request input limit are synthesised in
// sentence-aligned parts and the MP3 streams concatenated.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/storyline/pkg/provider/internal/oaiclient"
	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/types"
)

const (
	// DefaultModel is used when no model is configured.
	DefaultModel = oai.SpeechModelTTS1
	// DefaultVoice is used when the voice profile carries no ID.
	DefaultVoice = "nova"

	// maxInput is the API's per-request character limit.
	maxInput = 4096
)

// Provider synthesises narration through the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	maxInput int
}

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for Provider.
type Option func(*oaiclient.Settings)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(s *oaiclient.Settings) { s.BaseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *oaiclient.Settings) { s.Timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *oaiclient.Settings) { s.HTTPClient = c }
}

// New creates a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	var s oaiclient.Settings
	for _, o := range opts {
		o(&s)
	}
	client, err := oaiclient.New(apiKey, s)
	if err != nil {
		return nil, fmt.Errorf("tts/openai: %w", err)
	}
	return &Provider{client: client, model: model, maxInput: maxInput}, nil
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error) {
	parts := tts.SplitText(text, p.maxInput)
	if len(parts) == 0 {
		return types.AudioClip{}, fmt.Errorf("tts/openai: empty text")
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = DefaultVoice
	}

	var audio bytes.Buffer
	for i, part := range parts {
		params := oai.AudioSpeechNewParams{
			Input:          part,
			Model:          oai.SpeechModel(p.model),
			Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
			ResponseFormat: oai.AudioSpeechNewParamsResponseFormatMP3,
		}
		if voice.SpeedFactor > 0 {
			params.Speed = param.NewOpt(voice.SpeedFactor)
		}
		if err := p.speak(ctx, params, &audio); err != nil {
			return types.AudioClip{}, fmt.Errorf("tts/openai: part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return types.AudioClip{Data: audio.Bytes(), ContentType: "audio/mpeg", Filename: "narration.mp3"}, nil
}

func (p *Provider) speak(ctx context.Context, params oai.AudioSpeechNewParams, dst io.Writer) error {
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("unexpected JSON response: %s", bytes.TrimSpace(body))
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return fmt.Errorf("read audio: %w", err)
	}
	return nil
}
