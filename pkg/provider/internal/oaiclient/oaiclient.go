// Package oaiclient builds OpenAI SDK clients for the provider packages that
// talk to the OpenAI API (chat, transcription, speech, images, embeddings).
package oaiclient

import (
	"errors"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ErrMissingAPIKey is returned when no API key is configured.
var ErrMissingAPIKey = errors.New("apiKey must not be empty")

// Settings holds the connection knobs shared by all OpenAI-backed providers.
type Settings struct {
	BaseURL      string
	Organization string
	Timeout      time.Duration
	HTTPClient   *http.Client
	MaxRetries   int
}

// New constructs an SDK client. SDK-level retries are off unless MaxRetries
// is set; callers retry at the stage level.
func New(apiKey string, s Settings) (oai.Client, error) {
	if apiKey == "" {
		return oai.Client{}, ErrMissingAPIKey
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(s.BaseURL))
	}
	if s.Organization != "" {
		opts = append(opts, option.WithOrganization(s.Organization))
	}
	switch {
	case s.HTTPClient != nil:
		opts = append(opts, option.WithHTTPClient(s.HTTPClient))
	case s.Timeout > 0:
		opts = append(opts, option.WithHTTPClient(&http.Client{Timeout: s.Timeout}))
	}
	opts = append(opts, option.WithMaxRetries(s.MaxRetries))
	return oai.NewClient(opts...), nil
}
