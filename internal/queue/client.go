package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/MrWong99/storyline/internal/observe"
)

// ClientConfig configures [Client].
type ClientConfig struct {
	// Queue is the asynq queue tasks are enqueued on.
	Queue string
	// MaxRetry is the number of redeliveries after a failed attempt.
	MaxRetry int
	// Timeout bounds one delivery.
	Timeout time.Duration
}

// Client enqueues story tasks into Redis.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       ClientConfig
	metrics   *observe.Metrics
}

var _ Enqueuer = (*Client)(nil)

// NewClient connects an asynq client. m may be nil.
func NewClient(redisOpt asynq.RedisConnOpt, cfg ClientConfig, m *observe.Metrics) *Client {
	if cfg.Queue == "" {
		cfg.Queue = "stories"
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		cfg:       cfg,
		metrics:   m,
	}
}

// options returns the enqueue options of a story task.
func (c *Client) options(storyID int64) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.cfg.Queue),
		asynq.TaskID(TaskID(storyID)),
		asynq.MaxRetry(c.cfg.MaxRetry),
	}
	if c.cfg.Timeout > 0 {
		opts = append(opts, asynq.Timeout(c.cfg.Timeout))
	}
	return opts
}

// EnqueueStory implements Enqueuer.
//
// Story tasks share the id [TaskID], so an earlier task for the story may
// still exist. An archived or completed one is deleted and replaced. A task
// still waiting to run is kept and [ErrAlreadyQueued] is returned with its
// id, unless force is set and the waiting task is not forced, in which case
// it is replaced. A task that is running also yields [ErrAlreadyQueued].
func (c *Client) EnqueueStory(ctx context.Context, storyID int64, force bool) (string, error) {
	payload, err := encodePayload(storyID, force)
	if err != nil {
		return "", err
	}
	id := TaskID(storyID)
	task := asynq.NewTask(TaskProcessStory, payload)
	log := observe.Logger(ctx).With("story_id", storyID, "task_id", id)

	// The second pass runs after a stale task was removed.
	for range 2 {
		info, err := c.client.EnqueueContext(ctx, task, c.options(storyID)...)
		if err == nil {
			c.record(ctx, "enqueued")
			log.Info("queue: story enqueued", "queue", info.Queue, "force", force)
			return info.ID, nil
		}
		if !errors.Is(err, asynq.ErrTaskIDConflict) && !errors.Is(err, asynq.ErrDuplicateTask) {
			c.record(ctx, "error")
			return "", fmt.Errorf("queue: enqueue story %d: %w", storyID, err)
		}

		replace, err := c.replaceable(id, force)
		if err != nil {
			c.record(ctx, "error")
			return "", err
		}
		if !replace {
			c.record(ctx, "duplicate")
			return id, ErrAlreadyQueued
		}
		switch err := c.inspector.DeleteTask(c.cfg.Queue, id); {
		case err == nil, errors.Is(err, asynq.ErrTaskNotFound):
			log.Info("queue: replacing previous task")
		default:
			// Most likely picked up by a worker in the meantime.
			log.Info("queue: previous task could not be removed", "err", err)
			c.record(ctx, "duplicate")
			return id, ErrAlreadyQueued
		}
	}
	c.record(ctx, "error")
	return "", fmt.Errorf("queue: enqueue story %d: task id %s still taken", storyID, id)
}

// replaceable reports whether the existing task id may be deleted to make
// room for a new enqueue.
func (c *Client) replaceable(id string, force bool) (bool, error) {
	info, err := c.inspector.GetTaskInfo(c.cfg.Queue, id)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound):
		// Gone since the conflict; enqueue again.
		return true, nil
	case err != nil:
		return false, fmt.Errorf("queue: inspect task %s: %w", id, err)
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
		return true, nil
	case asynq.TaskStateActive:
		return false, nil
	}
	if !force {
		return false, nil
	}
	prev, err := decodePayload(info.Payload)
	return err != nil || !prev.Force, nil
}

func (c *Client) record(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordQueueTask(ctx, TaskProcessStory, status)
	}
}

// Close releases the Redis connections.
func (c *Client) Close() error {
	return errors.Join(c.client.Close(), c.inspector.Close())
}
