package pipeline

import (
	"strings"
	"unicode"
)

// Built-in prompts. Operators may override each one in configuration.
const (
	DefaultSentimentPrompt  = "Classify the emotional tone of a story. Answer only with one word: Positive, Negative, or Neutral."
	DefaultRewritePrompt    = "Rewrite the story to strongly highlight {sentiment} emotions. Make it vivid, expressive, and easy to narrate aloud. Keep the story short, under 400 words."
	DefaultKeyMomentsPrompt = "Extract exactly 8-10 key moments from the story. Each key point must be short (max 12 words) and ready to illustrate visually. Answer as a numbered list."
	DefaultImagePrompt      = "Digital illustration of: '{moment}'. Style: colorful, emotional, vivid. Suitable for storytelling. Avoid text or logos."
)

// Token limits per text task.
const (
	sentimentMaxTokens  = 10
	rewriteMaxTokens    = 800
	keyMomentsMaxTokens = 400
)

// Sentiment labels.
const (
	SentimentPositive = "Positive"
	SentimentNegative = "Negative"
	SentimentNeutral  = "Neutral"
)

// Prompts holds the system prompts of the text stages and the image prompt
// template.
type Prompts struct {
	Sentiment  string
	Rewrite    string
	KeyMoments string
	Image      string
}

// withDefaults fills empty prompts with the built-in ones.
func (p Prompts) withDefaults() Prompts {
	if p.Sentiment == "" {
		p.Sentiment = DefaultSentimentPrompt
	}
	if p.Rewrite == "" {
		p.Rewrite = DefaultRewritePrompt
	}
	if p.KeyMoments == "" {
		p.KeyMoments = DefaultKeyMomentsPrompt
	}
	if p.Image == "" {
		p.Image = DefaultImagePrompt
	}
	return p
}

func (p Prompts) rewrite(sentiment string) string {
	return strings.ReplaceAll(p.Rewrite, "{sentiment}", sentiment)
}

func (p Prompts) image(moment string) string {
	return strings.ReplaceAll(p.Image, "{moment}", moment)
}

// NormalizeSentiment maps a free-form classifier answer to one of the three
// labels. The first word naming a label wins; anything else is neutral.
func NormalizeSentiment(answer string) string {
	words := strings.FieldsFunc(answer, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		switch strings.ToLower(w) {
		case "positive":
			return SentimentPositive
		case "negative":
			return SentimentNegative
		case "neutral":
			return SentimentNeutral
		}
	}
	return SentimentNeutral
}

// ParseKeyMoments splits a list answer into at most limit moments. List
// markers ("-", "*", "•", "1.", "1)") and surrounding quotes are removed and
// blank lines are skipped.
func ParseKeyMoments(answer string, limit int) []string {
	var out []string
	for line := range strings.Lines(answer) {
		m := strings.TrimSpace(line)
		m = strings.TrimLeft(m, "-*• \t")
		m = trimOrdinal(m)
		m = strings.Trim(m, `"'“”‘’ `)
		if m == "" {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// trimOrdinal strips a leading "12." or "12)" marker. The marker must be
// followed by whitespace or end the line, so "1.5 tons" is kept whole.
func trimOrdinal(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 || i == len(s) || (s[i] != '.' && s[i] != ')') {
		return s
	}
	rest := s[i+1:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return s
	}
	return strings.TrimSpace(rest)
}
