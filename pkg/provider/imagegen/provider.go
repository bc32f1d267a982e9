// Package imagegen defines the Provider interface for text-to-image backends.
package imagegen

import (
	"context"

	"github.com/MrWong99/storyline/pkg/types"
)

// Provider renders a single illustration from a prompt.
//
// Implementations return the encoded image bytes; backends that only hand out
// URLs must download the image before returning.
type Provider interface {
	Generate(ctx context.Context, prompt string) (types.Image, error)
}
