package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/internal/pipeline"
)

// ErrPoolClosed is returned by [LocalPool.EnqueueStory] after Close.
var ErrPoolClosed = errors.New("queue: pool closed")

// LocalConfig configures [LocalPool].
type LocalConfig struct {
	// Workers is the number of stories processed at once.
	Workers int
	// MaxRetry is the number of redeliveries after a failed attempt.
	MaxRetry int
	// RetryDelay is the wait before the first redelivery; it doubles on each
	// further attempt.
	RetryDelay time.Duration
	// Backlog is the number of tasks that may wait for a free worker.
	Backlog int
}

// LocalPool is an in-process [Enqueuer] backed by a fixed set of worker
// goroutines. Pending tasks are lost when the process exits; the persisted
// run lets a later enqueue resume them.
type LocalPool struct {
	proc    Processor
	cfg     LocalConfig
	metrics *observe.Metrics

	tasks  chan Payload
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[int64]bool
	closed  bool
}

var _ Enqueuer = (*LocalPool)(nil)

// NewLocalPool starts cfg.Workers workers. m may be nil.
func NewLocalPool(proc Processor, cfg LocalConfig, m *observe.Metrics) *LocalPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &LocalPool{
		proc:    proc,
		cfg:     cfg,
		metrics: m,
		tasks:   make(chan Payload, cfg.Backlog),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[int64]bool),
	}
	for range cfg.Workers {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// EnqueueStory implements Enqueuer. It fails fast when the backlog is full.
func (p *LocalPool) EnqueueStory(ctx context.Context, storyID int64, force bool) (string, error) {
	id := TaskID(storyID)
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return "", ErrPoolClosed
	case p.pending[storyID]:
		p.record(ctx, "duplicate")
		return id, ErrAlreadyQueued
	}
	select {
	case p.tasks <- Payload{StoryID: storyID, Force: force}:
	default:
		p.record(ctx, "error")
		return "", errors.New("queue: local backlog full")
	}
	p.pending[storyID] = true
	p.record(ctx, "enqueued")
	return id, nil
}

func (p *LocalPool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			p.mu.Lock()
			delete(p.pending, t.StoryID)
			p.mu.Unlock()
			p.run(t)
		}
	}
}

// run processes t, redelivering transient failures with exponential delay.
func (p *LocalPool) run(t Payload) {
	log := slog.Default().With("story_id", t.StoryID, "force", t.Force)
	delay := p.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		_, err := p.proc.Process(p.ctx, t.StoryID, t.Force)
		if wait, held := leaseWait(err, time.Now()); held {
			// Waiting on another worker's lease does not use up a retry.
			p.record(p.ctx, "deferred")
			log.Info("queue: story lease held, waiting", "wait", wait, "err", err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(wait):
			}
			attempt--
			continue
		}
		switch {
		case err == nil:
			p.record(p.ctx, "succeeded")
			return
		case errors.Is(err, pipeline.ErrPermanent):
			log.Error("queue: story failed permanently", "err", err)
			p.record(p.ctx, "failed")
			return
		case attempt >= p.cfg.MaxRetry || p.ctx.Err() != nil:
			log.Error("queue: story failed, retries exhausted", "attempts", attempt+1, "err", err)
			p.record(p.ctx, "failed")
			return
		}
		p.record(p.ctx, "retry")
		log.Warn("queue: story failed, retrying", "attempt", attempt+1, "wait", delay, "err", err)
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (p *LocalPool) record(ctx context.Context, status string) {
	if p.metrics != nil {
		p.metrics.RecordQueueTask(ctx, TaskProcessStory, status)
	}
}

// Close cancels in-flight work, drops queued tasks and waits for the
// workers to exit. It is safe to call more than once.
func (p *LocalPool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
	return nil
}
