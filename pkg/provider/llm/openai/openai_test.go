package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/storyline/pkg/provider/llm"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("ModelID = %q, want %q", p.ModelID(), DefaultModel)
	}
}

func TestBuildParams(t *testing.T) {
	p, _ := New("sk-test", "gpt-4-turbo")
	req := llm.UserPrompt("Classify.", "Once upon a time", 10)
	req.Model = "gpt-4o-mini"
	req.Temperature = 0.2

	params, err := p.buildParams(req)
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("first message should be system")
	}
	if params.Messages[1].OfUser == nil {
		t.Error("second message should be user")
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q, want request override", params.Model)
	}
	if params.MaxCompletionTokens.Value != 10 {
		t.Errorf("max tokens = %d", params.MaxCompletionTokens.Value)
	}
	if params.Temperature.Value != 0.2 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
}

func TestBuildParams_Errors(t *testing.T) {
	p, _ := New("sk-test", "gpt-4o")
	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
	_, err := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "tool", Content: "x"}}})
	if err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestComplete_RoundTrip(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4-turbo",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Positive"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 1, "total_tokens": 13}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4-turbo", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.UserPrompt("Classify.", "A happy tale.", 10))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Positive" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotBody["model"] != "gpt-4-turbo" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if gotBody["max_completion_tokens"] != float64(10) {
		t.Errorf("request max_completion_tokens = %v", gotBody["max_completion_tokens"])
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"message": "bad", "type": "invalid_request_error"}}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/v1/"))
	if _, err := p.Complete(context.Background(), llm.UserPrompt("", "x", 0)); err == nil {
		t.Fatal("expected error")
	}
}
