package anyllm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/storyline/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestNew_Backends(t *testing.T) {
	tests := []struct {
		backend string
		opts    []anyllmlib.Option
	}{
		{"openai", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{"Anthropic", []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
		{"ollama", nil},
		{"llamacpp", nil},
		{"llamafile", nil},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			p, err := New(tt.backend, "model-x", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.ModelID() != "model-x" {
				t.Errorf("ModelID = %q", p.ModelID())
			}
			if p.Backend() != strings.ToLower(tt.backend) {
				t.Errorf("Backend = %q", p.Backend())
			}
		})
	}
}

func TestNew_OpenAIMissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestBuildParams(t *testing.T) {
	p, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := llm.UserPrompt("Rewrite the story.", "It was a dark night.", 256)
	req.Temperature = 0.7

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if params.Model != "llama3" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "Rewrite the story." {
		t.Errorf("system message = %+v", params.Messages[0])
	}
	if params.Messages[1].ContentString() != "It was a dark night." {
		t.Errorf("user message = %q", params.Messages[1].ContentString())
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens = %v", params.MaxTokens)
	}
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("temperature = %v", params.Temperature)
	}

	req.Model = "mistral"
	params, _ = p.buildParams(req)
	if params.Model != "mistral" {
		t.Errorf("model override = %q", params.Model)
	}
}

func TestBuildParams_Errors(t *testing.T) {
	p, _ := New("ollama", "llama3")
	if _, err := p.buildParams(llm.CompletionRequest{SystemPrompt: "only system"}); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "tool"}}}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestComplete_OpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("request model = %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "c1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Negative"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`)
	}))
	defer srv.Close()

	p, err := New("openai", "gpt-4o-mini",
		anyllmlib.WithAPIKey("sk-test"),
		anyllmlib.WithBaseURL(srv.URL+"/v1"),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.UserPrompt("Classify.", "A sad tale.", 10))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Negative" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 6 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}
