// Package elevenlabs provides a TTS provider on the ElevenLabs stream-input
// WebSocket API. The story text is sent in sentence-sized fragments and the
// returned audio frames are concatenated into a single clip.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/types"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	defaultModel     = "eleven_multilingual_v2"
	defaultOutputFmt = "mp3_44100_128"

	// maxFragment bounds the size of a single text message.
	maxFragment = 250

	minSpeed = 0.7
	maxSpeed = 1.2
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithOutputFormat sets the audio output format (e.g. "mp3_44100_128",
// "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) { p.outputFormat = format }
}

// WithBaseURL overrides the WebSocket origin (scheme and host).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(u, "/") }
}

// Provider implements tts.Provider backed by ElevenLabs.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

type voiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost float64  `json:"similarity_boost"`
	Speed           *float64 `json:"speed,omitempty"`
}

type textMessage struct {
	Text                 string         `json:"text"`
	VoiceSettings        *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey             string         `json:"xi_api_key,omitempty"`
	TryTriggerGeneration bool           `json:"try_trigger_generation,omitempty"`
}

type audioResponse struct {
	Audio   string `json:"audio"`
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Synthesize implements tts.Provider.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error) {
	if voice.ID == "" {
		return types.AudioClip{}, errors.New("elevenlabs: voice.ID must not be empty")
	}
	fragments := tts.SplitText(text, maxFragment)
	if len(fragments) == 0 {
		return types.AudioClip{}, errors.New("elevenlabs: empty text")
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(voice.ID), nil)
	if err != nil {
		return types.AudioClip{}, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(8 << 20)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	if voice.SpeedFactor > 0 {
		s := min(max(voice.SpeedFactor, minSpeed), maxSpeed)
		vs.Speed = &s
	}
	first := textMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey}
	if err := writeJSON(ctx, conn, first); err != nil {
		return types.AudioClip{}, fmt.Errorf("elevenlabs: send init: %w", err)
	}

	readErr := make(chan error, 1)
	var audio bytes.Buffer
	go func() { readErr <- readAudio(ctx, conn, &audio) }()

	for _, f := range fragments {
		if err := writeJSON(ctx, conn, textMessage{Text: f + " ", TryTriggerGeneration: true}); err != nil {
			return types.AudioClip{}, fmt.Errorf("elevenlabs: send text: %w", err)
		}
	}
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return types.AudioClip{}, fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	if err := <-readErr; err != nil {
		return types.AudioClip{}, err
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	if audio.Len() == 0 {
		return types.AudioClip{}, errors.New("elevenlabs: no audio received")
	}
	return types.AudioClip{
		Data:        audio.Bytes(),
		ContentType: contentTypeFor(p.outputFormat),
		Filename:    "narration" + extensionFor(p.outputFormat),
	}, nil
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s", p.baseURL, url.PathEscape(voiceID), q.Encode())
}

// readAudio appends decoded audio frames to dst until the final frame.
func readAudio(ctx context.Context, conn *websocket.Conn, dst *bytes.Buffer) error {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && dst.Len() > 0 {
				return nil
			}
			return fmt.Errorf("elevenlabs: read: %w", err)
		}
		var resp audioResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("elevenlabs: server error: %s: %s", resp.Error, resp.Message)
		}
		if resp.Audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
			if err != nil {
				return fmt.Errorf("elevenlabs: decode audio: %w", err)
			}
			dst.Write(chunk)
		}
		if resp.IsFinal {
			return nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func contentTypeFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return "audio/mpeg"
	case strings.HasPrefix(format, "pcm"):
		rate := strings.TrimPrefix(format, "pcm_")
		return "audio/L16; rate=" + rate
	case strings.HasPrefix(format, "ulaw"):
		return "audio/basic"
	default:
		return "application/octet-stream"
	}
}

func extensionFor(format string) string {
	switch {
	case strings.HasPrefix(format, "mp3"):
		return ".mp3"
	case strings.HasPrefix(format, "pcm"):
		return ".pcm"
	default:
		return ".bin"
	}
}
