// Package app wires all Storyline subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and/or consumes the processing queue, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithBlobStore, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/storyline/internal/api"
	"github.com/MrWong99/storyline/internal/cache"
	"github.com/MrWong99/storyline/internal/config"
	"github.com/MrWong99/storyline/internal/events"
	"github.com/MrWong99/storyline/internal/health"
	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/pipeline"
	"github.com/MrWong99/storyline/internal/queue"
	"github.com/MrWong99/storyline/pkg/blob"
	"github.com/MrWong99/storyline/pkg/blob/azure"
	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/store/postgres"
)

// dashboardCacheName labels the dashboard cache in metrics.
const dashboardCacheName = "dashboard"

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	level     *slog.LevelVar
	metrics   *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	store    store.Store
	blobs    blob.Store
	redis    redis.UniversalClient
	enqueuer queue.Enqueuer
	worker   *queue.Worker
	bus      events.Bus
	cache    cache.Cache
	runner   *pipeline.Runner
	api      *api.Server
	health   *health.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a repository instead of connecting to PostgreSQL.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBlobStore injects a blob store instead of connecting to Azure.
func WithBlobStore(b blob.Store) Option {
	return func(a *App) { a.blobs = b }
}

// WithRedis injects the Redis client used by the cache, the event bus and
// readiness. The caller keeps ownership of the client.
func WithRedis(c redis.UniversalClient) Option {
	return func(a *App) { a.redis = c }
}

// WithEnqueuer injects the task enqueuer used by the HTTP API.
func WithEnqueuer(q queue.Enqueuer) Option {
	return func(a *App) { a.enqueuer = q }
}

// WithEvents injects the progress event bus.
func WithEvents(bus events.Bus) Option {
	return func(a *App) { a.bus = bus }
}

// WithCache injects the dashboard cache.
func WithCache(c cache.Cache) Option {
	return func(a *App) { a.cache = c }
}

// WithLevelVar lets [App.ApplyConfig] change the level of the root logger.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the instruments shared by every subsystem.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via [BuildProviders]). Use Option functions
// to inject test doubles for any subsystem.
//
// New connects synchronously: a database or blob store that cannot be
// reached fails startup.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Relational store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Blob store ────────────────────────────────────────────────────
	if err := a.initBlob(); err != nil {
		return nil, fmt.Errorf("app: init blob: %w", err)
	}

	// ── 3. Redis, cache and events ───────────────────────────────────────
	a.initRedis()

	// ── 4. Pipeline runner ───────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. Queue ─────────────────────────────────────────────────────────
	if err := a.initQueue(); err != nil {
		return nil, fmt.Errorf("app: init queue: %w", err)
	}

	// ── 6. Health ────────────────────────────────────────────────────────
	a.initHealth()

	// ── 7. HTTP API ──────────────────────────────────────────────────────
	if cfg.Server.Mode.ServesHTTP() {
		if err := a.initAPI(); err != nil {
			return nil, fmt.Errorf("app: init api: %w", err)
		}
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL and migrates the schema unless a store
// was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Database.DSN
	if dsn == "" {
		return errors.New("database.dsn is required when the store is not injected")
	}
	st, err := postgres.NewStore(ctx, dsn, a.cfg.Database.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = st
	a.closers = append(a.closers, func() error {
		st.Close()
		return nil
	})
	return nil
}

func (a *App) initBlob() error {
	if a.blobs != nil {
		return nil
	}
	if a.cfg.Blob.ConnectionString == "" {
		return errors.New("blob.connection_string is required when the blob store is not injected")
	}
	b, err := azure.New(a.cfg.Blob.ConnectionString, azure.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.blobs = b
	return nil
}

// initRedis connects the shared Redis client when redis.addr is set and
// builds the cache and event bus on top of it. Without Redis both fall back
// to in-process implementations.
func (a *App) initRedis() {
	if a.redis == nil && a.cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.redis = client
		a.closers = append(a.closers, client.Close)
	}

	if a.cache == nil {
		if a.redis != nil {
			a.cache = cache.NewRedis(a.redis, dashboardCacheName, a.cfg.Cache.DashboardTTL, a.metrics)
		} else {
			a.cache = cache.Noop{}
		}
	}

	if a.bus == nil {
		if a.redis != nil {
			a.bus = events.NewRedis(a.redis)
		} else {
			a.bus = events.NewMemory()
		}
	}
}

// initPipeline builds the runner when every required provider is present.
// Worker modes cannot start without it.
func (a *App) initPipeline() error {
	if !a.providers.complete() {
		if a.cfg.Server.Mode.RunsWorker() {
			return errors.New("llm, stt, tts and image providers are required to process stories")
		}
		slog.Info("pipeline providers incomplete, synchronous processing disabled")
		return nil
	}
	r, err := pipeline.New(a.store, a.blobs, pipeline.Providers{
		STT:        a.providers.STT,
		LLM:        a.providers.LLM,
		TTS:        a.providers.TTS,
		Images:     a.providers.Image,
		Embeddings: a.providers.Embeddings,
	}, pipeline.ConfigFrom(a.cfg),
		pipeline.WithEvents(a.bus),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.runner = r
	return nil
}

// redisOpt returns the asynq connection settings for redis.addr.
func (a *App) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	}
}

// initQueue sets up task delivery. With Redis, uploads are enqueued through
// asynq and consumed by a [queue.Worker]; without it, a [queue.LocalPool]
// runs the pipeline in-process.
func (a *App) initQueue() error {
	mode := a.cfg.Server.Mode
	q := a.cfg.Queue

	if a.cfg.Redis.Addr != "" {
		if a.enqueuer == nil && mode.ServesHTTP() {
			c := queue.NewClient(a.redisOpt(), queue.ClientConfig{
				Queue:    q.Name,
				MaxRetry: q.MaxRetry,
				Timeout:  q.TaskTimeout,
			}, a.metrics)
			a.enqueuer = c
			a.closers = append(a.closers, c.Close)
		}
		if mode.RunsWorker() {
			a.worker = queue.NewWorker(a.redisOpt(), a.runner, queue.WorkerConfig{
				Queue:       q.Name,
				Concurrency: a.cfg.Pipeline.Workers,
				Logger:      slog.Default().With("component", "queue"),
				LogLevel:    a.logLevel(),
			}, a.metrics)
		}
		return nil
	}

	if a.enqueuer != nil || a.runner == nil {
		return nil
	}
	pool := queue.NewLocalPool(a.runner, queue.LocalConfig{
		Workers:  a.cfg.Pipeline.Workers,
		MaxRetry: q.MaxRetry,
	}, a.metrics)
	a.enqueuer = pool
	// The pool goes first so in-flight runs stop before their store closes.
	a.closers = append([]func() error{pool.Close}, a.closers...)
	return nil
}

func (a *App) initHealth() {
	checkers := []health.Checker{
		health.PingChecker("database", a.store),
		health.PingChecker("blob", a.blobs),
	}
	if a.redis != nil {
		client := a.redis
		checkers = append(checkers, health.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}
	a.health = health.New(checkers)
}

func (a *App) initAPI() error {
	opts := []api.Option{
		api.WithEvents(a.bus),
		api.WithCache(a.cache),
		api.WithHealth(a.health),
		api.WithMetrics(a.metrics),
		api.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes),
		api.WithAutoEnqueue(a.cfg.Pipeline.AutoEnqueue),
	}
	if a.enqueuer != nil {
		opts = append(opts, api.WithQueue(a.enqueuer))
	}
	if a.runner != nil {
		opts = append(opts, api.WithProcessor(a.runner))
	}
	srv, err := api.New(a.store, a.blobs, api.Containers{
		Audio:       a.cfg.Blob.AudioContainer,
		StoryImages: a.cfg.Blob.StoryImagesContainer,
		Categories:  a.cfg.Blob.CategoryImagesContainer,
	}, opts...)
	if err != nil {
		return err
	}
	a.api = srv
	a.server = &http.Server{
		Addr:         a.cfg.Server.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and/or consumes the queue, depending on server.mode, and
// blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a.worker != nil {
		if err := a.worker.Start(); err != nil {
			return err
		}
		slog.Info("queue worker started", "queue", a.cfg.Queue.Name, "concurrency", a.cfg.Pipeline.Workers)
	}

	errCh := make(chan error, 1)
	if a.server != nil {
		srv := a.server
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("app: http server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of a config change. Changes
// that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PipelineChanged {
		if a.runner != nil {
			a.runner.SetConfig(pipeline.ConfigFrom(new))
		}
		if a.api != nil {
			a.api.SetAutoEnqueue(new.Pipeline.AutoEnqueue)
		}
		slog.Info("pipeline settings reloaded")
	}
	if d.DashboardTTLChanged {
		a.cache.SetTTL(new.Cache.DashboardTTL)
		slog.Info("dashboard cache ttl changed", "ttl", new.Cache.DashboardTTL)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
	a.cfg = new
}

// SlogLevel converts a config log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (a *App) logLevel() slog.Level {
	if a.level != nil {
		return a.level.Level()
	}
	return SlogLevel(a.cfg.Server.LogLevel)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, stops the queue worker and runs the
// closers in order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http server shutdown error", "err", err)
				shutdownErr = err
			}
		}

		// Unfinished tasks go back to Redis. Their runs resume on the next
		// delivery, after any lease left behind has expired.
		if a.worker != nil {
			a.worker.Shutdown()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Handler returns the HTTP handler, or nil when the mode serves no HTTP.
func (a *App) Handler() http.Handler {
	if a.server == nil {
		return nil
	}
	return a.server.Handler
}
