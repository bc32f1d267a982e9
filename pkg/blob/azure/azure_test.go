package azure

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/storyline/pkg/blob"
)

// fakeAccount serves just enough of the Blob REST API for upload and
// download round trips.
type fakeAccount struct {
	mu    sync.Mutex
	blobs map[string][]byte
	types map[string]string
}

func (f *fakeAccount) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Path-style addressing: /{account}/{container}/{blob...}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) < 2 {
		w.WriteHeader(http.StatusOK)
		return
	}
	key := parts[1]
	switch r.Method {
	case http.MethodPut:
		b, _ := io.ReadAll(r.Body)
		f.blobs[key] = b
		f.types[key] = r.Header.Get("X-Ms-Blob-Content-Type")
		w.Header().Set("ETag", `"0x1"`)
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		b, ok := f.blobs[key]
		if !ok {
			w.Header().Set("X-Ms-Error-Code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeAccount) {
	t.Helper()
	fake := &fakeAccount{blobs: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	key := base64.StdEncoding.EncodeToString([]byte("not-a-real-key"))
	conn := "DefaultEndpointsProtocol=http;AccountName=devstore;AccountKey=" + key +
		";BlobEndpoint=" + srv.URL + "/devstore;"
	s, err := New(conn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, fake
}

func TestNew_RequiresConnectionString(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error")
	}
}

func TestURL(t *testing.T) {
	s, _ := newTestStore(t)
	got := s.URL("audio", "7/12/20260101120000.aac")
	if !strings.HasSuffix(got, "/devstore/audio/7/12/20260101120000.aac") {
		t.Errorf("URL = %q", got)
	}
}

func TestUploadDownload(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	url, err := s.Upload(ctx, "audio", "generated/5_narration.mp3", []byte("mp3"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != s.URL("audio", "generated/5_narration.mp3") {
		t.Errorf("url = %q", url)
	}
	if ct := fake.types["audio/generated/5_narration.mp3"]; ct != "audio/mpeg" {
		t.Errorf("content type = %q", ct)
	}

	got, err := s.Download(ctx, "audio", "generated/5_narration.mp3")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(got) != "mp3" {
		t.Errorf("data = %q", got)
	}
}

func TestDownload_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Download(context.Background(), "audio", "missing.aac")
	if !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
