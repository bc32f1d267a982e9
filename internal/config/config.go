// Package config provides the configuration schema, loader, provider registry
// and file watcher for the Storyline service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Mode selects which halves of the service a process runs.
type Mode string

const (
	// ModeAPI serves HTTP only and enqueues pipeline work.
	ModeAPI Mode = "api"

	// ModeWorker consumes pipeline tasks only.
	ModeWorker Mode = "worker"

	// ModeAll runs both in one process.
	ModeAll Mode = "all"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeAPI || m == ModeWorker || m == ModeAll
}

// ServesHTTP reports whether the HTTP server should run in this mode.
func (m Mode) ServesHTTP() bool { return m == ModeAPI || m == ModeAll || m == "" }

// RunsWorker reports whether the queue worker should run in this mode.
func (m Mode) RunsWorker() bool { return m == ModeWorker || m == ModeAll || m == "" }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Blob      BlobConfig      `yaml:"blob"`
	Redis     RedisConfig     `yaml:"redis"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Cache     CacheConfig     `yaml:"cache"`
	Providers ProvidersConfig `yaml:"providers"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// Mode selects api, worker or all. Empty means all.
	Mode Mode `yaml:"mode"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxUploadBytes caps multipart story uploads. Default 64 MiB.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	// DSN is the PostgreSQL connection string. Falls back to the
	// SqlConnectionString environment variable.
	DSN string `yaml:"dsn"`

	// EmbeddingDimensions is the vector size of the story embeddings column.
	// Must match providers.embeddings. Default 1536.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// BlobConfig configures blob storage for audio and images.
type BlobConfig struct {
	// ConnectionString falls back to AzureBlobStorageConnectionString.
	ConnectionString string `yaml:"connection_string"`

	// AudioContainer holds uploads and generated narrations. Falls back to
	// AudioStorageContainerName.
	AudioContainer string `yaml:"audio_container"`

	// StoryImagesContainer holds pipeline illustrations. Falls back to
	// StoryImagesContainerName, default "storyImages".
	StoryImagesContainer string `yaml:"story_images_container"`

	// CategoryImagesContainer holds category artwork. Falls back to
	// CategoryImagesContainerName, default "categories".
	CategoryImagesContainer string `yaml:"category_images_container"`
}

// RedisConfig configures the shared Redis client used by the task queue, the
// dashboard cache and pipeline event fan-out. An empty Addr disables all three;
// the service then falls back to in-process implementations.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig tunes pipeline task delivery.
type QueueConfig struct {
	// Name is the queue tasks are enqueued on. Default "stories".
	Name string `yaml:"name"`

	// MaxRetry is how many times a failed task is redelivered. Default 5.
	MaxRetry int `yaml:"max_retry"`

	// TaskTimeout bounds a single delivery. Default 30m.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// PipelineConfig tunes the story processing scheduler.
type PipelineConfig struct {
	// Workers is the number of stories processed concurrently. Default 4.
	Workers int `yaml:"workers"`

	// ImageConcurrency bounds parallel image generations per story. Default 3.
	ImageConcurrency int `yaml:"image_concurrency"`

	// MaxKeyMoments caps how many moments are illustrated. Default 10.
	MaxKeyMoments int `yaml:"max_key_moments"`

	// LeaseTTL is how long a claimed run stays locked without progress.
	// Default 15m.
	LeaseTTL time.Duration `yaml:"lease_ttl"`

	// AutoEnqueue queues new uploads for processing immediately.
	AutoEnqueue bool `yaml:"auto_enqueue"`

	Retry   RetryConfig  `yaml:"retry"`
	Models  ModelConfig  `yaml:"models"`
	Prompts PromptConfig `yaml:"prompts"`
	Voice   VoiceConfig  `yaml:"voice"`
}

// RetryConfig is the per-stage exponential backoff policy.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// ModelConfig overrides the model used per text task. Empty means the
// configured LLM provider's model.
type ModelConfig struct {
	Sentiment  string `yaml:"sentiment"`
	Rewrite    string `yaml:"rewrite"`
	KeyMoments string `yaml:"key_moments"`
}

// PromptConfig overrides the built-in prompts. Empty fields keep the defaults.
// Rewrite may reference {sentiment}; Image may reference {moment}.
type PromptConfig struct {
	Sentiment  string `yaml:"sentiment"`
	Rewrite    string `yaml:"rewrite"`
	KeyMoments string `yaml:"key_moments"`
	Image      string `yaml:"image"`
}

// VoiceConfig selects the narration voice.
type VoiceConfig struct {
	VoiceID     string  `yaml:"voice_id"`
	SpeedFactor float64 `yaml:"speed_factor"`
}

// CacheConfig configures response caching.
type CacheConfig struct {
	// DashboardTTL is how long dashboard payloads are cached. Zero disables.
	DashboardTTL time.Duration `yaml:"dashboard_ttl"`
}

// ProvidersConfig declares which provider implementation to use for each AI
// task. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Image      ProviderEntry `yaml:"image"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "elevenlabs").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds each provider request. Zero means the client default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Fallbacks are tried in order when this provider fails or its circuit
	// is open. Fallback entries may not declare fallbacks of their own.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// OptString extracts a string value from Options. Returns "" if the key is
// absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	if e.Options == nil {
		return ""
	}
	s, _ := e.Options[key].(string)
	return s
}
