package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/storyline/internal/app"
	"github.com/MrWong99/storyline/internal/config"
	"github.com/MrWong99/storyline/internal/events"
	"github.com/MrWong99/storyline/internal/resilience"
	blobmock "github.com/MrWong99/storyline/pkg/blob/mock"
	"github.com/MrWong99/storyline/pkg/provider/embeddings"
	embmock "github.com/MrWong99/storyline/pkg/provider/embeddings/mock"
	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	imgmock "github.com/MrWong99/storyline/pkg/provider/imagegen/mock"
	"github.com/MrWong99/storyline/pkg/provider/llm"
	llmmock "github.com/MrWong99/storyline/pkg/provider/llm/mock"
	"github.com/MrWong99/storyline/pkg/provider/stt"
	sttmock "github.com/MrWong99/storyline/pkg/provider/stt/mock"
	"github.com/MrWong99/storyline/pkg/provider/tts"
	ttsmock "github.com/MrWong99/storyline/pkg/provider/tts/mock"
	storemock "github.com/MrWong99/storyline/pkg/store/mock"
	"github.com/MrWong99/storyline/pkg/types"
)

const audioBlob = "1/1/20260301120000.aac"

// testConfig returns an in-process config: no Redis, mode all.
func testConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Blob.AudioContainer = "audio"
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.Retry = config.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsedTime:  50 * time.Millisecond,
	}
	return cfg
}

// testProviders returns mock providers that let a run succeed.
func testProviders() *app.Providers {
	return &app.Providers{
		STT: &sttmock.Provider{Text: "Once upon a time."},
		LLM: &llmmock.Provider{Responses: []string{
			"Positive",
			"A vivid retelling.",
			"1. Dawn breaks\n2. Night falls",
		}},
		TTS:   &ttsmock.Provider{Clip: types.AudioClip{Data: []byte("mp3"), ContentType: "audio/mpeg"}},
		Image: &imgmock.Provider{Image: types.Image{Data: []byte("png"), ContentType: "image/png"}},
	}
}

type harness struct {
	app     *app.App
	store   *storemock.Store
	blobs   *blobmock.Store
	storyID int64
}

func newHarness(t *testing.T, cfg *config.Config, providers *app.Providers, opts ...app.Option) *harness {
	t.Helper()
	h := &harness{store: storemock.New(), blobs: &blobmock.Store{}}
	uid := h.store.AddUser(types.User{FirstName: "Ada", Active: true})
	h.storyID = h.store.AddStory(storemock.StoryRow{UserID: uid, Title: "Tale", AudioBlob: audioBlob, Active: true})
	h.blobs.Put("audio", audioBlob, []byte("aac"), "audio/aac")

	opts = append([]app.Option{app.WithStore(h.store), app.WithBlobStore(h.blobs)}, opts...)
	a, err := app.New(context.Background(), cfg, providers, opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	h.app = a
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	handler := h.app.Handler()
	if handler == nil {
		t.Fatal("Handler() = nil")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	return rec
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), testProviders())

	if rec := h.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	rec := h.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d: %s", rec.Code, rec.Body)
	}
	for _, name := range []string{"database", "blob"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("/readyz body %s lacks %q", rec.Body, name)
		}
	}
}

func TestProcessStory_LocalPoolRunsPipeline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), testProviders())

	rec := h.do(t, http.MethodPost, "/story/process", `{"story_id": `+strconv.FormatInt(h.storyID, 10)+`}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /story/process = %d: %s", rec.Code, rec.Body)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		run, err := h.store.GetRun(context.Background(), h.storyID)
		if err == nil && run.Status == types.RunSucceeded {
			break
		}
		if err == nil && run.Status == types.RunFailed {
			t.Fatalf("run failed: %+v", run)
		}
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish: %+v, %v", run, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(h.store.Timeline(h.storyID)) != 2 {
		t.Errorf("timeline = %+v", h.store.Timeline(h.storyID))
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(*config.Config)
		providers *app.Providers
		inject    bool
		wantErr   string
	}{
		{
			name:      "missing dsn",
			providers: testProviders(),
			wantErr:   "database.dsn",
		},
		{
			name:      "worker without providers",
			mutate:    func(c *config.Config) { c.Server.Mode = config.ModeWorker },
			providers: &app.Providers{LLM: &llmmock.Provider{}},
			inject:    true,
			wantErr:   "providers are required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			if tc.mutate != nil {
				tc.mutate(cfg)
			}
			var opts []app.Option
			if tc.inject {
				opts = append(opts, app.WithStore(storemock.New()), app.WithBlobStore(&blobmock.Store{}))
			}
			_, err := app.New(context.Background(), cfg, tc.providers, opts...)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("New() error = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestNew_APIModeWithoutProvidersDisablesSync(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Server.Mode = config.ModeAPI
	h := newHarness(t, cfg, nil, app.WithEvents(events.NewMemory()))

	rec := h.do(t, http.MethodPost, "/story/process", `{"story_id": `+strconv.FormatInt(h.storyID, 10)+`, "mode": "sync"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("sync process = %d, want 503", rec.Code)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	cfg := testConfig()
	h := newHarness(t, cfg, testProviders(), app.WithLevelVar(level))

	next := testConfig()
	next.Server.LogLevel = config.LogDebug
	next.Pipeline.AutoEnqueue = true
	h.app.ApplyConfig(cfg, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), testProviders())

	ctx := context.Background()
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown() = %v", err)
	}
	if err := h.app.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() = %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig(), testProviders())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := app.SlogLevel(in); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func testRegistry(llmErr error) *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterLLM("mock", func(e config.ProviderEntry) (llm.Provider, error) {
		if llmErr != nil {
			return nil, llmErr
		}
		return &llmmock.Provider{Model: e.Model}, nil
	})
	reg.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	reg.RegisterImage("mock", func(config.ProviderEntry) (imagegen.Provider, error) { return &imgmock.Provider{}, nil })
	reg.RegisterEmbeddings("mock", func(config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{DimensionsValue: 4}, nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	cfg := config.ProvidersConfig{
		LLM: config.ProviderEntry{
			Name:  "mock",
			Model: "primary",
			Fallbacks: []config.ProviderEntry{
				{Name: "mock", Model: "secondary"},
				{Name: "unknown"},
			},
		},
		STT:        config.ProviderEntry{Name: "mock"},
		TTS:        config.ProviderEntry{Name: "mock"},
		Image:      config.ProviderEntry{Name: "missing"},
		Embeddings: config.ProviderEntry{Name: "mock"},
	}
	ps, err := app.BuildProviders(cfg, testRegistry(nil), nil)
	if err != nil {
		t.Fatalf("BuildProviders() error: %v", err)
	}
	if _, ok := ps.LLM.(*resilience.LLMFallback); !ok {
		t.Errorf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	if ps.LLM.ModelID() != "primary" {
		t.Errorf("LLM model = %q, want primary", ps.LLM.ModelID())
	}
	if ps.STT == nil || ps.TTS == nil || ps.Embeddings == nil {
		t.Errorf("missing providers: %+v", ps)
	}
	if ps.Image != nil {
		t.Errorf("Image = %T, want nil for an unregistered name", ps.Image)
	}
	if ps.Embeddings.Dimensions() != 4 {
		t.Errorf("embeddings dimensions = %d", ps.Embeddings.Dimensions())
	}
}

func TestBuildProviders_FactoryError(t *testing.T) {
	t.Parallel()
	cfg := config.ProvidersConfig{LLM: config.ProviderEntry{Name: "mock"}}
	_, err := app.BuildProviders(cfg, testRegistry(errors.New("bad key")), nil)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Errorf("BuildProviders() error = %v", err)
	}
}
