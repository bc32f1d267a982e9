package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	imagemock "github.com/MrWong99/storyline/pkg/provider/imagegen/mock"
	"github.com/MrWong99/storyline/pkg/provider/llm"
	llmmock "github.com/MrWong99/storyline/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/storyline/pkg/provider/stt/mock"
	"github.com/MrWong99/storyline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/storyline/pkg/provider/tts/mock"
	"github.com/MrWong99/storyline/pkg/types"
)

var testFallbackCfg = FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}

func TestLLMFallback_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{Model: "gpt-4-turbo", Responses: []string{"Positive"}}
	secondary := &llmmock.Provider{Model: "claude", Responses: []string{"Negative"}}
	fb := NewLLMFallback(primary, "openai", testFallbackCfg)
	fb.AddFallback("anthropic", secondary)

	resp, err := fb.Complete(context.Background(), llm.UserPrompt("", "story", 10))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Positive" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(secondary.Calls()) != 0 {
		t.Error("secondary must not be called when primary succeeds")
	}
	if fb.ModelID() != "gpt-4-turbo" {
		t.Errorf("ModelID = %q", fb.ModelID())
	}
}

func TestLLMFallback_FailoverDropsModelOverride(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{Responses: []string{"rewritten"}}
	fb := NewLLMFallback(primary, "openai", testFallbackCfg)
	fb.AddFallback("anthropic", secondary)

	req := llm.UserPrompt("", "story", 10)
	req.Model = "gpt-4o"
	resp, err := fb.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "rewritten" {
		t.Errorf("content = %q", resp.Content)
	}
	if got := primary.Calls()[0].Req.Model; got != "gpt-4o" {
		t.Errorf("primary model = %q, want override", got)
	}
	if got := secondary.Calls()[0].Req.Model; got != "" {
		t.Errorf("fallback model = %q, want empty", got)
	}
}

func TestSTTFallback(t *testing.T) {
	primary := &sttmock.Provider{TranscribeErr: errors.New("whisper offline")}
	secondary := &sttmock.Provider{Text: "once upon a time"}
	fb := NewSTTFallback(primary, "whisper", testFallbackCfg)
	fb.AddFallback("openai", secondary)

	text, err := fb.Transcribe(context.Background(), types.AudioClip{Data: []byte{1}})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "once upon a time" || primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("text = %q primary=%d secondary=%d", text, primary.CallCount(), secondary.CallCount())
	}
}

func TestTTSFallback_SubstitutesVoice(t *testing.T) {
	primary := &ttsmock.Provider{SynthesizeErr: errors.New("quota exceeded")}
	secondary := &ttsmock.Provider{}
	fb := NewTTSFallback(primary, "openai", testFallbackCfg)
	fb.AddFallback("elevenlabs", secondary, "21m00Tcm4TlvDq8ikWAM")

	clip, err := fb.Synthesize(context.Background(), "text", tts.VoiceProfile{ID: "nova", SpeedFactor: 1.1})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(clip.Data) == 0 {
		t.Error("expected audio from fallback")
	}
	if got := primary.Calls()[0].Voice.ID; got != "nova" {
		t.Errorf("primary voice = %q", got)
	}
	v := secondary.Calls()[0].Voice
	if v.ID != "21m00Tcm4TlvDq8ikWAM" || v.SpeedFactor != 1.1 {
		t.Errorf("fallback voice = %+v", v)
	}
}

func TestImageFallback_AllFail(t *testing.T) {
	primary := &imagemock.Provider{GenerateErr: errors.New("rate limited")}
	secondary := &imagemock.Provider{GenerateErr: errors.New("also down")}
	var fb imagegen.Provider = func() *ImageFallback {
		f := NewImageFallback(primary, "openai", testFallbackCfg)
		f.AddFallback("backup", secondary)
		return f
	}()

	_, err := fb.Generate(context.Background(), "a castle")
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if len(primary.Prompts()) != 1 || len(secondary.Prompts()) != 1 {
		t.Error("both providers should have been tried once")
	}
}
