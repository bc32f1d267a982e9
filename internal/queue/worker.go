package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/pipeline"
)

// WorkerConfig configures [Worker].
type WorkerConfig struct {
	Queue string
	// Concurrency is the number of stories processed at once.
	Concurrency int
	// ShutdownTimeout bounds how long in-flight tasks may finish on shutdown.
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	LogLevel        slog.Level
}

// Worker consumes story tasks from Redis and runs the pipeline.
type Worker struct {
	srv     *asynq.Server
	mux     *asynq.ServeMux
	proc    Processor
	metrics *observe.Metrics
	log     *slog.Logger
}

// NewWorker builds an asynq server for story tasks. m may be nil.
func NewWorker(redisOpt asynq.RedisConnOpt, proc Processor, cfg WorkerConfig, m *observe.Metrics) *Worker {
	if cfg.Queue == "" {
		cfg.Queue = "stories"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{proc: proc, metrics: m, log: log}
	w.srv = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          newSlogLogger(log),
		LogLevel:        logLevel(cfg.LogLevel),
		IsFailure:       isFailure,
		RetryDelayFunc:  retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			if errors.Is(err, pipeline.ErrRunInProgress) {
				return
			}
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			w.log.Warn("queue: task failed", "type", task.Type(), "retried", retried, "max_retry", maxRetry, "err", err)
		}),
	})
	w.mux = asynq.NewServeMux()
	w.mux.HandleFunc(TaskProcessStory, w.handle)
	return w
}

// isFailure reports whether err counts against the task's retries. A held
// lease does not: the delivery waits for the lease to expire instead.
func isFailure(err error) bool { return !errors.Is(err, pipeline.ErrRunInProgress) }

// retryDelay schedules a held lease's redelivery just after the lease
// expires and falls back to asynq's exponential backoff otherwise.
func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	if wait, ok := leaseWait(err, time.Now()); ok {
		return wait
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

// handle runs one delivery. The returned error decides redelivery: nil
// acknowledges, asynq.SkipRetry archives, a held lease is redelivered after
// the lease expires, anything else is retried with asynq's backoff.
func (w *Worker) handle(ctx context.Context, task *asynq.Task) error {
	p, err := decodePayload(task.Payload())
	if err != nil {
		w.record(ctx, "invalid")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return w.process(ctx, p)
}

func (w *Worker) process(ctx context.Context, p Payload) error {
	log := w.log.With("story_id", p.StoryID, "force", p.Force)
	if id, ok := asynq.GetTaskID(ctx); ok {
		log = log.With("task_id", id)
	}

	_, err := w.proc.Process(ctx, p.StoryID, p.Force)
	switch {
	case err == nil:
		w.record(ctx, "succeeded")
		return nil
	case errors.Is(err, pipeline.ErrRunInProgress):
		// The holder may have died with the lease live. Come back once it
		// expires; a live holder renews it and finishes the run first.
		wait, _ := leaseWait(err, time.Now())
		log.Info("queue: story lease held, redelivering later", "wait", wait, "err", err)
		w.record(ctx, "deferred")
		return err
	case errors.Is(err, pipeline.ErrPermanent):
		log.Error("queue: story failed permanently", "err", err)
		w.record(ctx, "failed")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		w.record(ctx, "retry")
		return err
	}
}

func (w *Worker) record(ctx context.Context, status string) {
	if w.metrics != nil {
		w.metrics.RecordQueueTask(ctx, TaskProcessStory, status)
	}
}

// Start begins consuming tasks in the background.
func (w *Worker) Start() error {
	if err := w.srv.Start(w.mux); err != nil {
		return fmt.Errorf("queue: start worker: %w", err)
	}
	return nil
}

// Shutdown stops fetching tasks and waits for in-flight tasks up to the
// configured timeout. Unfinished tasks are requeued by asynq.
func (w *Worker) Shutdown() { w.srv.Shutdown() }
