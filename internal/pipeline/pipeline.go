// Package pipeline turns an uploaded story recording into a narrated,
// illustrated story.
//
// A [Runner] processes one story at a time per call to [Runner.Process]. The
// stages run in the order of [types.Stages]:
//
//	transcribe → sentiment → rewrite → synthesize → key_moments → illustrate → timeline → index
//
// Every stage output is checkpointed on the story's persisted run before the
// next stage starts, so a run that is interrupted (crash, deploy, exhausted
// retries) resumes at the first incomplete stage when it is processed again.
// Image generation is checkpointed per image.
//
// Runs are guarded by a lease in the store: a second worker that tries to
// process the same story while the lease is live gets a [LeaseHeldError]
// carrying the lease expiry. Every checkpoint renews the lease, so a lease
// that runs out belongs to a worker that died mid-run.
//
// Transient stage errors are retried with exponential backoff. Errors that
// cannot succeed on retry (missing story, missing audio, unusable model
// output) wrap [ErrPermanent] and fail the run immediately.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/storyline/internal/config"
	"github.com/MrWong99/storyline/internal/events"
	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/resilience"
	"github.com/MrWong99/storyline/pkg/blob"
	"github.com/MrWong99/storyline/pkg/provider/embeddings"
	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	"github.com/MrWong99/storyline/pkg/provider/llm"
	"github.com/MrWong99/storyline/pkg/provider/stt"
	"github.com/MrWong99/storyline/pkg/provider/tts"
	"github.com/MrWong99/storyline/pkg/store"
	"github.com/MrWong99/storyline/pkg/types"
)

var (
	// ErrRunInProgress is returned when another worker holds the story's lease.
	ErrRunInProgress = errors.New("pipeline: run in progress")

	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("pipeline: permanent failure")

	// ErrStoryNotFound is returned for unknown or inactive stories. It wraps
	// [ErrPermanent].
	ErrStoryNotFound = fmt.Errorf("%w: story not found", ErrPermanent)
)

// LeaseHeldError is returned by [Runner.Process] when another worker holds
// the story's lease. It matches [ErrRunInProgress].
type LeaseHeldError struct {
	StoryID int64
	// Until is when the lease expires unless its holder renews it. Zero when
	// the expiry could not be read.
	Until time.Time
}

func (e *LeaseHeldError) Error() string {
	if e.Until.IsZero() {
		return fmt.Sprintf("%v: story %d", ErrRunInProgress, e.StoryID)
	}
	return fmt.Sprintf("%v: story %d, lease until %s", ErrRunInProgress, e.StoryID, e.Until.Format(time.RFC3339))
}

func (e *LeaseHeldError) Unwrap() error { return ErrRunInProgress }

// permanent marks err as non-retryable both for the stage retry loop and for
// callers that match [ErrPermanent].
func permanent(err error) error {
	return resilience.Permanent(fmt.Errorf("%w: %w", ErrPermanent, err))
}

// finishTimeout bounds the final run update, which runs even when the
// processing context was cancelled.
const finishTimeout = 10 * time.Second

// Store is the subset of the repository the pipeline needs.
type Store interface {
	store.Pipeline
	StoryMedia(ctx context.Context, id int64) (types.StoryMedia, error)
	SetGenAudioURL(ctx context.Context, storyID int64, url string) error
	ReplaceTimeline(ctx context.Context, storyID int64, events []types.TimelineEvent) error
	UpsertStoryEmbedding(ctx context.Context, storyID int64, model string, vec []float32) error
}

// Models overrides the LLM model per text task. Empty fields use the
// provider's default model.
type Models struct {
	Sentiment  string
	Rewrite    string
	KeyMoments string
}

// Config holds the hot-reloadable pipeline settings.
type Config struct {
	// AudioContainer holds uploaded recordings and generated narrations.
	AudioContainer string
	// ImagesContainer receives generated illustrations.
	ImagesContainer string

	ImageConcurrency int
	MaxKeyMoments    int
	LeaseTTL         time.Duration
	Retry            resilience.RetryPolicy
	Models           Models
	Prompts          Prompts
	Voice            tts.VoiceProfile
}

// ConfigFrom derives a Config from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	p := cfg.Pipeline
	return Config{
		AudioContainer:   cfg.Blob.AudioContainer,
		ImagesContainer:  cfg.Blob.StoryImagesContainer,
		ImageConcurrency: p.ImageConcurrency,
		MaxKeyMoments:    p.MaxKeyMoments,
		LeaseTTL:         p.LeaseTTL,
		Retry: resilience.RetryPolicy{
			InitialInterval: p.Retry.InitialInterval,
			MaxInterval:     p.Retry.MaxInterval,
			MaxElapsedTime:  p.Retry.MaxElapsedTime,
		},
		Models: Models{
			Sentiment:  p.Models.Sentiment,
			Rewrite:    p.Models.Rewrite,
			KeyMoments: p.Models.KeyMoments,
		},
		Prompts: Prompts{
			Sentiment:  p.Prompts.Sentiment,
			Rewrite:    p.Prompts.Rewrite,
			KeyMoments: p.Prompts.KeyMoments,
			Image:      p.Prompts.Image,
		},
		Voice: tts.VoiceProfile{
			ID:          p.Voice.VoiceID,
			Provider:    cfg.Providers.TTS.Name,
			SpeedFactor: p.Voice.SpeedFactor,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.ImageConcurrency <= 0 {
		c.ImageConcurrency = 3
	}
	if c.MaxKeyMoments <= 0 {
		c.MaxKeyMoments = 10
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15 * time.Minute
	}
	c.Prompts = c.Prompts.withDefaults()
	return c
}

// Providers are the AI backends used by the stages. Embeddings is optional;
// without it the index stage is a no-op.
type Providers struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Images     imagegen.Provider
	Embeddings embeddings.Provider
}

// Runner executes pipeline runs. It is safe for concurrent use; concurrent
// calls for different stories proceed independently.
type Runner struct {
	store     Store
	blobs     blob.Store
	providers Providers
	bus       events.Bus
	metrics   *observe.Metrics
	now       func() time.Time
	cfg       atomic.Pointer[Config]
}

// Option is a functional option for Runner.
type Option func(*Runner)

// WithEvents publishes progress to bus.
func WithEvents(bus events.Bus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithMetrics records stage and run metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New returns a Runner. STT, LLM, TTS and Images providers are required.
func New(st Store, blobs blob.Store, providers Providers, cfg Config, opts ...Option) (*Runner, error) {
	switch {
	case st == nil:
		return nil, errors.New("pipeline: store is required")
	case blobs == nil:
		return nil, errors.New("pipeline: blob store is required")
	case providers.STT == nil, providers.LLM == nil, providers.TTS == nil, providers.Images == nil:
		return nil, errors.New("pipeline: stt, llm, tts and image providers are required")
	}
	r := &Runner{
		store:     st,
		blobs:     blobs,
		providers: providers,
		metrics:   observe.DefaultMetrics(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.SetConfig(cfg)
	return r, nil
}

// SetConfig replaces the settings used by runs started afterwards.
func (r *Runner) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	r.cfg.Store(&cfg)
}

// Config returns the current settings.
func (r *Runner) Config() Config { return *r.cfg.Load() }

// run is the state of one Process call.
type run struct {
	*types.PipelineRun
	cfg   Config
	media types.StoryMedia
	log   *slog.Logger
}

// Process runs the pipeline for storyID, resuming after the last checkpoint.
// A story whose run already succeeded is returned as is unless force is set,
// in which case every checkpoint is discarded first.
//
// The returned run reflects the final persisted state when err is nil or a
// stage failed; it is nil when the run could not be claimed.
func (r *Runner) Process(ctx context.Context, storyID int64, force bool) (*types.PipelineRun, error) {
	cfg := r.Config()
	owner := uuid.NewString()
	log := observe.Logger(ctx).With("story_id", storyID, "run_id", owner)

	claimed, err := r.store.ClaimRun(ctx, storyID, owner, cfg.LeaseTTL, force)
	switch {
	case errors.Is(err, store.ErrRunSucceeded):
		log.Info("pipeline: run already succeeded, skipping")
		return claimed, nil
	case errors.Is(err, store.ErrLeaseHeld):
		held := &LeaseHeldError{StoryID: storyID}
		if cur, gerr := r.store.GetRun(ctx, storyID); gerr == nil {
			held.Until = cur.LeaseUntil
		}
		return nil, held
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("pipeline: story %d: %w", storyID, ErrStoryNotFound)
	case err != nil:
		return nil, fmt.Errorf("pipeline: claim story %d: %w", storyID, err)
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("story.id", storyID),
		attribute.String("pipeline.run_id", owner),
		attribute.Int("pipeline.attempt", claimed.Attempts),
	)
	r.metrics.ActiveRuns.Add(ctx, 1)
	defer r.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	rn := &run{PipelineRun: claimed, cfg: cfg, log: log.With("attempt", claimed.Attempts)}
	rn.log.Info("pipeline: run started", "completed", claimed.Completed, "force", force)

	runErr := r.execute(ctx, rn)
	if errors.Is(runErr, store.ErrLeaseLost) {
		// Someone else owns the run now; leave its state alone.
		observe.SpanError(span, runErr)
		rn.log.Warn("pipeline: lease lost", "err", runErr)
		return nil, fmt.Errorf("pipeline: story %d: %w", storyID, runErr)
	}
	return rn.PipelineRun, r.finish(ctx, rn, runErr)
}

// execute runs every incomplete stage in order.
func (r *Runner) execute(ctx context.Context, rn *run) error {
	media, err := r.store.StoryMedia(ctx, rn.StoryID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return resilience.Permanent(fmt.Errorf("story %d: %w", rn.StoryID, ErrStoryNotFound))
	case err != nil:
		return fmt.Errorf("load story %d: %w", rn.StoryID, err)
	case !media.Active:
		return resilience.Permanent(fmt.Errorf("story %d is inactive: %w", rn.StoryID, ErrStoryNotFound))
	}
	rn.media = media

	for _, st := range r.stages() {
		if rn.Done(st.stage) {
			continue
		}
		if err := r.runStage(ctx, rn, st.stage, st.fn); err != nil {
			return err
		}
	}
	return nil
}

// runStage executes one stage with retries, then checkpoints the run.
func (r *Runner) runStage(ctx context.Context, rn *run, stage types.Stage, fn stageFunc) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(stage))
	defer span.End()

	rn.Stage = stage
	log := rn.log.With("stage", stage)
	r.publish(ctx, rn, events.Event{Kind: events.StageStarted, Stage: stage})
	log.Debug("pipeline: stage started")

	start := r.now()
	attempt := 0
	err := resilience.Retry(ctx, rn.cfg.Retry, func(ctx context.Context) error {
		attempt++
		err := fn(ctx, rn)
		if errors.Is(err, store.ErrLeaseLost) {
			return resilience.Permanent(err)
		}
		return err
	}, func(err error, wait time.Duration) {
		r.metrics.RecordRetry(ctx, string(stage))
		log.Warn("pipeline: stage failed, retrying", "stage_attempt", attempt, "wait", wait, "err", err)
		r.publish(ctx, rn, events.Event{Kind: events.StageRetrying, Stage: stage, Error: err.Error()})
	})
	r.metrics.RecordStage(ctx, string(stage), observe.Status(err), r.now().Sub(start))
	if err != nil {
		observe.SpanError(span, err)
		return fmt.Errorf("stage %s: %w", stage, err)
	}

	rn.MarkDone(stage)
	rn.LeaseUntil = r.now().Add(rn.cfg.LeaseTTL)
	if err := r.store.Checkpoint(ctx, rn.PipelineRun); err != nil {
		observe.SpanError(span, err)
		return fmt.Errorf("checkpoint %s: %w", stage, err)
	}
	log.Info("pipeline: stage completed", "duration", r.now().Sub(start), "stage_attempts", attempt)
	r.publish(ctx, rn, events.Event{Kind: events.StageCompleted, Stage: stage})
	return nil
}

// finish persists the terminal state of the run and returns runErr wrapped
// for the caller.
func (r *Runner) finish(ctx context.Context, rn *run, runErr error) error {
	status := types.RunSucceeded
	kind := events.RunSucceeded
	if runErr != nil {
		status = types.RunFailed
		kind = events.RunFailed
		rn.LastError = runErr.Error()
	} else {
		rn.Stage = ""
		rn.LastError = ""
	}
	rn.Status = status

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := r.store.FinishRun(fctx, rn.PipelineRun); err != nil {
		rn.log.Error("pipeline: failed to persist run result", "status", status, "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	r.metrics.RecordRun(fctx, string(status))
	r.publish(fctx, rn, events.Event{Kind: kind, Stage: rn.Stage, Error: rn.LastError})

	if runErr != nil {
		rn.log.Error("pipeline: run failed", "stage", rn.Stage, "err", runErr)
		return fmt.Errorf("pipeline: story %d: %w", rn.StoryID, runErr)
	}
	rn.log.Info("pipeline: run succeeded")
	return nil
}

func (r *Runner) publish(ctx context.Context, rn *run, ev events.Event) {
	if r.bus == nil {
		return
	}
	ev.StoryID = rn.StoryID
	ev.RunID = rn.RunID
	ev.Attempt = rn.Attempts
	ev.Time = r.now().UTC()
	if err := r.bus.Publish(ctx, ev); err != nil {
		rn.log.Warn("pipeline: publish event failed", "kind", ev.Kind, "err", err)
	}
}
