package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "mock"},
	"stt":        {"openai", "whisper", "mock"},
	"tts":        {"openai", "elevenlabs", "mock"},
	"image":      {"openai", "mock"},
	"embeddings": {"openai", "mock"},
}

// Legacy environment variables honoured when the YAML leaves a field empty.
const (
	EnvSQLConnection      = "SqlConnectionString"
	EnvBlobConnection     = "AzureBlobStorageConnectionString"
	EnvAudioContainer     = "AudioStorageContainerName"
	EnvStoryImages        = "StoryImagesContainerName"
	EnvCategoryImages     = "CategoryImagesContainerName"
	EnvOpenAIKey          = "OPENAI_API_KEY"
	defaultStoryImages    = "storyImages"
	defaultCategoryImages = "categories"
)

// envRef matches ${NAME} references. Bare $NAME is left alone so that
// secrets containing a dollar sign survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies environment fallbacks and defaults, and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv fills empty fields from the legacy environment variables.
func ApplyEnv(cfg *Config) {
	setIfEmpty(&cfg.Database.DSN, os.Getenv(EnvSQLConnection))
	setIfEmpty(&cfg.Blob.ConnectionString, os.Getenv(EnvBlobConnection))
	setIfEmpty(&cfg.Blob.AudioContainer, os.Getenv(EnvAudioContainer))
	setIfEmpty(&cfg.Blob.StoryImagesContainer, os.Getenv(EnvStoryImages))
	setIfEmpty(&cfg.Blob.CategoryImagesContainer, os.Getenv(EnvCategoryImages))

	if key := os.Getenv(EnvOpenAIKey); key != "" {
		for _, e := range []*ProviderEntry{
			&cfg.Providers.LLM, &cfg.Providers.STT, &cfg.Providers.TTS,
			&cfg.Providers.Image, &cfg.Providers.Embeddings,
		} {
			if e.Name == "openai" {
				setIfEmpty(&e.APIKey, key)
			}
		}
	}
}

// ApplyDefaults fills zero-valued tunables with their defaults.
func ApplyDefaults(cfg *Config) {
	setIfEmpty(&cfg.Server.ListenAddr, ":8080")
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = ModeAll
	}
	setDurationIfZero(&cfg.Server.ReadTimeout, 30*time.Second)
	setDurationIfZero(&cfg.Server.WriteTimeout, 5*time.Minute)
	if cfg.Server.MaxUploadBytes <= 0 {
		cfg.Server.MaxUploadBytes = 64 << 20
	}

	if cfg.Database.EmbeddingDimensions <= 0 {
		cfg.Database.EmbeddingDimensions = 1536
	}

	setIfEmpty(&cfg.Blob.StoryImagesContainer, defaultStoryImages)
	setIfEmpty(&cfg.Blob.CategoryImagesContainer, defaultCategoryImages)

	setIfEmpty(&cfg.Queue.Name, "stories")
	if cfg.Queue.MaxRetry <= 0 {
		cfg.Queue.MaxRetry = 5
	}
	setDurationIfZero(&cfg.Queue.TaskTimeout, 30*time.Minute)

	p := &cfg.Pipeline
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.ImageConcurrency <= 0 {
		p.ImageConcurrency = 3
	}
	if p.MaxKeyMoments <= 0 {
		p.MaxKeyMoments = 10
	}
	setDurationIfZero(&p.LeaseTTL, 15*time.Minute)
	setDurationIfZero(&p.Retry.InitialInterval, 500*time.Millisecond)
	setDurationIfZero(&p.Retry.MaxInterval, 10*time.Second)
	setDurationIfZero(&p.Retry.MaxElapsedTime, 2*time.Minute)
	setIfEmpty(&p.Voice.VoiceID, "nova")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Mode != "" && !cfg.Server.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("server.mode %q is invalid; valid values: api, worker, all", cfg.Server.Mode))
	}

	if cfg.Pipeline.Workers < 0 {
		errs = append(errs, fmt.Errorf("pipeline.workers must not be negative"))
	}
	if cfg.Pipeline.ImageConcurrency < 0 {
		errs = append(errs, fmt.Errorf("pipeline.image_concurrency must not be negative"))
	}
	if cfg.Pipeline.MaxKeyMoments > 20 {
		errs = append(errs, fmt.Errorf("pipeline.max_key_moments %d exceeds 20", cfg.Pipeline.MaxKeyMoments))
	}
	if s := cfg.Pipeline.Voice.SpeedFactor; s != 0 && (s < 0.25 || s > 4.0) {
		errs = append(errs, fmt.Errorf("pipeline.voice.speed_factor %.2f is out of range [0.25, 4.0]", s))
	}
	if p := cfg.Pipeline.Prompts.Rewrite; p != "" && !strings.Contains(p, "{sentiment}") {
		slog.Warn("pipeline.prompts.rewrite does not reference {sentiment}; the detected tone will be ignored")
	}
	if p := cfg.Pipeline.Prompts.Image; p != "" && !strings.Contains(p, "{moment}") {
		errs = append(errs, fmt.Errorf("pipeline.prompts.image must reference {moment}"))
	}

	for kind, entry := range map[string]ProviderEntry{
		"llm":        cfg.Providers.LLM,
		"stt":        cfg.Providers.STT,
		"tts":        cfg.Providers.TTS,
		"image":      cfg.Providers.Image,
		"embeddings": cfg.Providers.Embeddings,
	} {
		validateProviderName(kind, entry.Name)
		for i, fb := range entry.Fallbacks {
			prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			}
			if len(fb.Fallbacks) > 0 {
				errs = append(errs, fmt.Errorf("%s: nested fallbacks are not supported", prefix))
			}
			validateProviderName(kind, fb.Name)
		}
		if entry.Name == "" && len(entry.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.%s: fallbacks configured without a primary provider", kind))
		}
	}

	if cfg.Server.Mode.RunsWorker() {
		for kind, name := range map[string]string{
			"llm":   cfg.Providers.LLM.Name,
			"stt":   cfg.Providers.STT.Name,
			"tts":   cfg.Providers.TTS.Name,
			"image": cfg.Providers.Image.Name,
		} {
			if name == "" {
				slog.Warn("pipeline provider not configured; the worker will not start", "kind", kind)
			}
		}
	}

	if cfg.Database.DSN == "" {
		slog.Warn("database.dsn is empty; set it or " + EnvSQLConnection)
	}
	if cfg.Blob.ConnectionString == "" {
		slog.Warn("blob.connection_string is empty; set it or " + EnvBlobConnection)
	}
	if cfg.Redis.Addr == "" && (cfg.Server.Mode == ModeAPI || cfg.Server.Mode == ModeWorker) {
		errs = append(errs, fmt.Errorf("redis.addr is required when server.mode is %q", cfg.Server.Mode))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setDurationIfZero(dst *time.Duration, v time.Duration) {
	if *dst <= 0 {
		*dst = v
	}
}
