package resilience

import (
	"context"

	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/types"
)

// TTSFallback implements [tts.Provider] with failover across TTS backends.
//
// Voice IDs are backend specific, so each fallback can carry its own voice
// that replaces the requested one.
type TTSFallback struct {
	group  *FallbackGroup[tts.Provider]
	voices map[string]string
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg), voices: map[string]string{}}
}

// AddFallback registers an additional TTS provider. A non-empty voiceID is
// used instead of the requested voice when this fallback serves the call.
func (f *TTSFallback) AddFallback(name string, p tts.Provider, voiceID string) {
	f.group.AddFallback(name, p)
	if voiceID != "" {
		f.voices[name] = voiceID
	}
}

// Synthesize implements tts.Provider.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error) {
	return executeEntries(ctx, f.group, func(ctx context.Context, _ int, e *fallbackEntry[tts.Provider]) (types.AudioClip, error) {
		v := voice
		if id, ok := f.voices[e.name]; ok {
			v.ID = id
		}
		return e.value.Synthesize(ctx, text, v)
	})
}
