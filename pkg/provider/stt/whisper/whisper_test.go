package whisper

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/storyline/pkg/types"
)

type inference struct {
	filename string
	language string
	data     []byte
}

// newInferenceServer answers POST /inference with text and captures the
// last request into got.
func newInferenceServer(t *testing.T, text string, got *inference, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		calls.Add(1)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if got != nil {
			*got = inference{filename: hdr.Filename, language: r.FormValue("language"), data: data}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_EmptyServerURL(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_PassesCompressedAudioThrough(t *testing.T) {
	var got inference
	var calls atomic.Int32
	srv := newInferenceServer(t, " The dragon slept. ", &got, &calls)

	p, err := New(srv.URL+"/", WithLanguage("auto"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text, err := p.Transcribe(context.Background(), types.AudioClip{
		Data: []byte("ID3mp3"), ContentType: "audio/mpeg", Filename: "tale.mp3",
	})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "The dragon slept." {
		t.Errorf("text = %q", text)
	}
	if got.filename != "tale.mp3" || string(got.data) != "ID3mp3" {
		t.Errorf("upload = %q %q", got.filename, got.data)
	}
	if got.language != "auto" {
		t.Errorf("language = %q", got.language)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestTranscribe_WrapsRawPCM(t *testing.T) {
	var got inference
	var calls atomic.Int32
	srv := newInferenceServer(t, "hello", &got, &calls)

	p, _ := New(srv.URL)
	pcm := make([]byte, 3200)
	if _, err := p.Transcribe(context.Background(), types.AudioClip{
		Data: pcm, ContentType: "audio/L16; rate=48000; channels=2",
	}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got.filename != "audio.wav" {
		t.Errorf("filename = %q", got.filename)
	}
	if len(got.data) != 44+len(pcm) || string(got.data[:4]) != "RIFF" {
		t.Fatalf("expected WAV header, got %d bytes", len(got.data))
	}
	if rate := binary.LittleEndian.Uint32(got.data[24:28]); rate != 48000 {
		t.Errorf("sample rate = %d", rate)
	}
	if ch := binary.LittleEndian.Uint16(got.data[22:24]); ch != 2 {
		t.Errorf("channels = %d", ch)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Transcribe(context.Background(), types.AudioClip{Data: []byte{1}}); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

func TestTranscribe_ErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"error":"failed to read audio"}`)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	if _, err := p.Transcribe(context.Background(), types.AudioClip{Data: []byte{1}}); err == nil {
		t.Fatal("expected error from error field")
	}
}

func TestTranscribe_EmptyClip(t *testing.T) {
	p, _ := New("http://127.0.0.1:1")
	if _, err := p.Transcribe(context.Background(), types.AudioClip{}); err == nil {
		t.Fatal("expected error for empty clip")
	}
}

func TestEncodeWAV_Header(t *testing.T) {
	wav := encodeWAV(make([]byte, 100), 16000, 1)
	if string(wav[8:12]) != "WAVE" || string(wav[36:40]) != "data" {
		t.Fatalf("bad header %q", wav[:44])
	}
	if size := binary.LittleEndian.Uint32(wav[40:44]); size != 100 {
		t.Errorf("data size = %d", size)
	}
	if br := binary.LittleEndian.Uint32(wav[28:32]); br != 32000 {
		t.Errorf("byte rate = %d", br)
	}
}
