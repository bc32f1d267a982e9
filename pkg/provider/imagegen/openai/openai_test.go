package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestGenerate_Base64(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"created": 1, "data": [{"b64_json": %q, "revised_prompt": "a castle at dusk"}]}`,
			base64.StdEncoding.EncodeToString(pngHeader))
	}))
	defer srv.Close()

	p, err := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	img, err := p.Generate(context.Background(), "a castle")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if img.ContentType != "image/png" {
		t.Errorf("content type = %q", img.ContentType)
	}
	if img.RevisedPrompt != "a castle at dusk" {
		t.Errorf("revised prompt = %q", img.RevisedPrompt)
	}
	if body["model"] != "dall-e-3" || body["size"] != "1024x1024" || body["response_format"] != "b64_json" {
		t.Errorf("request body = %v", body)
	}
}

func TestGenerate_URLFallback(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/images/generations"):
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"created": 1, "data": [{"url": "%s/files/img.png"}]}`, srv.URL)
		case r.URL.Path == "/files/img.png":
			_, _ = w.Write(pngHeader)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	img, err := p.Generate(context.Background(), "a dragon")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(img.Data) != string(pngHeader) {
		t.Errorf("data = %q", img.Data)
	}
}

func TestGenerate_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"created": 1, "data": []}`)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "", WithBaseURL(srv.URL+"/v1/"))
	if _, err := p.Generate(context.Background(), "nothing"); err == nil {
		t.Fatal("expected error for empty data")
	}
	if _, err := p.Generate(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}
