package pipeline

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNormalizeSentiment(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Positive":                  SentimentPositive,
		"negative.":                 SentimentNegative,
		"  NEUTRAL ":                SentimentNeutral,
		"The tone is positive.":     SentimentPositive,
		"Mostly negative, somewhat": SentimentNegative,
		"Joyful":                    SentimentNeutral,
		"":                          SentimentNeutral,
	}
	for in, want := range tests {
		if got := NormalizeSentiment(in); got != want {
			t.Errorf("NormalizeSentiment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseKeyMoments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  []string
	}{
		{
			name:  "numbered",
			in:    "1. The hero wakes at dawn\n2) A storm rolls in\n\n3. \"Calm returns\"",
			limit: 10,
			want:  []string{"The hero wakes at dawn", "A storm rolls in", "Calm returns"},
		},
		{
			name:  "bullets",
			in:    "- First light\n* Second wind\n• Third act",
			limit: 10,
			want:  []string{"First light", "Second wind", "Third act"},
		},
		{
			name:  "limit",
			in:    "1. a\n2. b\n3. c\n4. d",
			limit: 2,
			want:  []string{"a", "b"},
		},
		{
			name:  "leading year kept",
			in:    "1999 was the year it began",
			limit: 10,
			want:  []string{"1999 was the year it began"},
		},
		{
			name:  "decimal kept",
			in:    "1.5 tons of gold fell\n2. 3.2 miles to go\n4)x",
			limit: 10,
			want:  []string{"1.5 tons of gold fell", "3.2 miles to go", "4)x"},
		},
		{
			name:  "blank",
			in:    "\n  \n- \n",
			limit: 10,
			want:  nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, ParseKeyMoments(tt.in, tt.limit)); diff != "" {
				t.Errorf("ParseKeyMoments mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPromptTemplates(t *testing.T) {
	t.Parallel()
	p := Prompts{}.withDefaults()
	if got := p.rewrite("Negative"); got != "Rewrite the story to strongly highlight Negative emotions. Make it vivid, expressive, and easy to narrate aloud. Keep the story short, under 400 words." {
		t.Errorf("rewrite prompt = %q", got)
	}
	if got := p.image("A storm"); got != "Digital illustration of: 'A storm'. Style: colorful, emotional, vivid. Suitable for storytelling. Avoid text or logos." {
		t.Errorf("image prompt = %q", got)
	}
}
