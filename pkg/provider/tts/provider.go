// Package tts defines the Provider interface for text-to-speech backends.
package tts

import (
	"context"
	"strings"

	"github.com/MrWong99/storyline/pkg/types"
)

// VoiceProfile selects a voice on a TTS backend.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "nova" on OpenAI, a
	// voice UUID on ElevenLabs).
	ID string

	// Provider names the backend the voice belongs to. Informational.
	Provider string

	// SpeedFactor adjusts speaking rate in [0.25, 4.0]. Zero means default.
	SpeedFactor float64
}

// Provider synthesises a complete narration from text.
//
// The returned clip carries its own content type so callers can store it
// without knowing the backend's output format.
type Provider interface {
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (types.AudioClip, error)
}

// SplitText breaks text into pieces of at most limit bytes. Whole sentences
// are packed together; a sentence longer than limit is cut between words, and
// a single word longer than limit is kept whole.
func SplitText(text string, limit int) []string {
	var out []string
	var cur strings.Builder
	add := func(piece string) {
		if cur.Len() > 0 && cur.Len()+1+len(piece) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(piece)
	}
	var sentence []string
	endSentence := func() {
		if len(sentence) == 0 {
			return
		}
		if s := strings.Join(sentence, " "); len(s) <= limit {
			add(s)
		} else {
			for _, w := range sentence {
				add(w)
			}
		}
		sentence = sentence[:0]
	}
	for _, word := range strings.Fields(text) {
		sentence = append(sentence, word)
		if strings.ContainsAny(word[len(word)-1:], ".!?") {
			endSentence()
		}
	}
	endSentence()
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
