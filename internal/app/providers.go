package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/storyline/internal/config"
	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/resilience"
	"github.com/MrWong99/storyline/pkg/provider/embeddings"
	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	"github.com/MrWong99/storyline/pkg/provider/llm"
	"github.com/MrWong99/storyline/pkg/provider/stt"
	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/types"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by [BuildProviders].
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Image      imagegen.Provider
	Embeddings embeddings.Provider
}

// complete reports whether every provider the pipeline needs is present.
func (p *Providers) complete() bool {
	return p != nil && p.LLM != nil && p.STT != nil && p.TTS != nil && p.Image != nil
}

// BuildProviders instantiates every provider named in cfg using reg. Entries
// with fallbacks are wrapped in the matching resilience fallback type, and
// every backend reports request metrics on m.
//
// Unregistered names are logged and leave the slot empty.
func BuildProviders(cfg config.ProvidersConfig, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
				m.RecordBreakerTransition(context.Background(), name, to.String())
			},
		},
	}
	ps := &Providers{}

	llms, err := createAll("llm", cfg.LLM, reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	if len(llms) > 0 {
		for i := range llms {
			llms[i].value = instrumentedLLM{Provider: llms[i].value, name: llms[i].entry.Name, m: m}
		}
		if len(llms) == 1 {
			ps.LLM = llms[0].value
		} else {
			fb := resilience.NewLLMFallback(llms[0].value, llms[0].entry.Name, fbCfg)
			for _, c := range llms[1:] {
				fb.AddFallback(c.entry.Name, c.value)
			}
			ps.LLM = fb
		}
	}

	stts, err := createAll("stt", cfg.STT, reg.CreateSTT)
	if err != nil {
		return nil, err
	}
	if len(stts) > 0 {
		for i := range stts {
			stts[i].value = instrumentedSTT{Provider: stts[i].value, name: stts[i].entry.Name, m: m}
		}
		if len(stts) == 1 {
			ps.STT = stts[0].value
		} else {
			fb := resilience.NewSTTFallback(stts[0].value, stts[0].entry.Name, fbCfg)
			for _, c := range stts[1:] {
				fb.AddFallback(c.entry.Name, c.value)
			}
			ps.STT = fb
		}
	}

	ttss, err := createAll("tts", cfg.TTS, reg.CreateTTS)
	if err != nil {
		return nil, err
	}
	if len(ttss) > 0 {
		for i := range ttss {
			ttss[i].value = instrumentedTTS{Provider: ttss[i].value, name: ttss[i].entry.Name, m: m}
		}
		if len(ttss) == 1 {
			ps.TTS = ttss[0].value
		} else {
			fb := resilience.NewTTSFallback(ttss[0].value, ttss[0].entry.Name, fbCfg)
			for _, c := range ttss[1:] {
				// options.voice_id replaces the requested voice on this fallback.
				fb.AddFallback(c.entry.Name, c.value, c.entry.OptString("voice_id"))
			}
			ps.TTS = fb
		}
	}

	images, err := createAll("image", cfg.Image, reg.CreateImage)
	if err != nil {
		return nil, err
	}
	if len(images) > 0 {
		for i := range images {
			images[i].value = instrumentedImage{Provider: images[i].value, name: images[i].entry.Name, m: m}
		}
		if len(images) == 1 {
			ps.Image = images[0].value
		} else {
			fb := resilience.NewImageFallback(images[0].value, images[0].entry.Name, fbCfg)
			for _, c := range images[1:] {
				fb.AddFallback(c.entry.Name, c.value)
			}
			ps.Image = fb
		}
	}

	embs, err := createAll("embeddings", cfg.Embeddings, reg.CreateEmbeddings)
	if err != nil {
		return nil, err
	}
	if len(embs) > 0 {
		if len(embs) > 1 {
			// Vectors from different models are not comparable.
			slog.Warn("embeddings fallbacks are ignored", "primary", embs[0].entry.Name)
		}
		ps.Embeddings = instrumentedEmbeddings{Provider: embs[0].value, name: embs[0].entry.Name, m: m}
	}

	return ps, nil
}

type created[T any] struct {
	entry config.ProviderEntry
	value T
}

// createAll builds the primary of entry followed by its fallbacks. An
// unregistered name is skipped with a log line; other errors abort.
func createAll[T any](kind string, entry config.ProviderEntry, create func(config.ProviderEntry) (T, error)) ([]created[T], error) {
	if entry.Name == "" {
		return nil, nil
	}
	var out []created[T]
	for _, e := range append([]config.ProviderEntry{entry}, entry.Fallbacks...) {
		p, err := create(e)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("provider not registered, skipping", "kind", kind, "name", e.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create %s provider %q: %w", kind, e.Name, err)
		}
		slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model)
		out = append(out, created[T]{entry: e, value: p})
	}
	return out, nil
}

func record(ctx context.Context, m *observe.Metrics, name, kind string, start time.Time, err error) {
	m.RecordProviderRequest(ctx, name, kind, observe.Status(err), time.Since(start))
	if err != nil {
		m.RecordProviderError(ctx, name, kind)
	}
}

type instrumentedLLM struct {
	llm.Provider
	name string
	m    *observe.Metrics
}

func (p instrumentedLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.Provider.Complete(ctx, req)
	record(ctx, p.m, p.name, "llm", start, err)
	return resp, err
}

type instrumentedSTT struct {
	stt.Provider
	name string
	m    *observe.Metrics
}

func (p instrumentedSTT) Transcribe(ctx context.Context, clip types.AudioClip) (string, error) {
	start := time.Now()
	text, err := p.Provider.Transcribe(ctx, clip)
	record(ctx, p.m, p.name, "stt", start, err)
	return text, err
}

type instrumentedTTS struct {
	tts.Provider
	name string
	m    *observe.Metrics
}

func (p instrumentedTTS) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (types.AudioClip, error) {
	start := time.Now()
	clip, err := p.Provider.Synthesize(ctx, text, voice)
	record(ctx, p.m, p.name, "tts", start, err)
	return clip, err
}

type instrumentedImage struct {
	imagegen.Provider
	name string
	m    *observe.Metrics
}

func (p instrumentedImage) Generate(ctx context.Context, prompt string) (types.Image, error) {
	start := time.Now()
	img, err := p.Provider.Generate(ctx, prompt)
	record(ctx, p.m, p.name, "image", start, err)
	return img, err
}

type instrumentedEmbeddings struct {
	embeddings.Provider
	name string
	m    *observe.Metrics
}

func (p instrumentedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := p.Provider.Embed(ctx, text)
	record(ctx, p.m, p.name, "embeddings", start, err)
	return vec, err
}

func (p instrumentedEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := p.Provider.EmbedBatch(ctx, texts)
	record(ctx, p.m, p.name, "embeddings", start, err)
	return vecs, err
}
