package resilience

import (
	"context"

	"github.com/MrWong99/storyline/pkg/provider/stt"
	"github.com/MrWong99/storyline/pkg/types"
)

// STTFallback implements [stt.Provider] with failover across STT backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider.
func (f *STTFallback) AddFallback(name string, p stt.Provider) { f.group.AddFallback(name, p) }

// Transcribe implements stt.Provider.
func (f *STTFallback) Transcribe(ctx context.Context, clip types.AudioClip) (string, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (string, error) {
		return p.Transcribe(ctx, clip)
	})
}
