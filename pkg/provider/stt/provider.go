// Package stt defines the Provider interface for batch speech-to-text backends.
//
// Stories are uploaded as complete recordings, so transcription is a single
// request per clip rather than a live stream.
package stt

import (
	"context"

	"github.com/MrWong99/storyline/pkg/types"
)

// Provider transcribes a complete audio clip to text.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation.
type Provider interface {
	Transcribe(ctx context.Context, clip types.AudioClip) (string, error)
}
