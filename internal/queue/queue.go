// Package queue delivers story processing work to pipeline workers.
//
// In production tasks travel through Redis with asynq: the API enqueues a
// "story:process" task and any worker process picks it up. For development
// without Redis, [LocalPool] runs the same work on an in-process bounded
// worker pool.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MrWong99/storyline/internal/pipeline"
	"github.com/MrWong99/storyline/pkg/types"
)

// TaskProcessStory is the asynq task type of a story pipeline run.
const TaskProcessStory = "story:process"

// ErrAlreadyQueued is returned (together with the task id) when a task for
// the story is still waiting to be processed.
var ErrAlreadyQueued = errors.New("queue: story already queued")

// Payload is the JSON body of a [TaskProcessStory] task.
type Payload struct {
	StoryID int64 `json:"story_id"`
	Force   bool  `json:"force"`
}

// TaskID is the deterministic task id of storyID, so that duplicate enqueues
// collapse into one pending task.
func TaskID(storyID int64) string {
	return "story:" + strconv.FormatInt(storyID, 10)
}

func encodePayload(storyID int64, force bool) ([]byte, error) {
	b, err := json.Marshal(Payload{StoryID: storyID, Force: force})
	if err != nil {
		return nil, fmt.Errorf("queue: encode payload: %w", err)
	}
	return b, nil
}

func decodePayload(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, fmt.Errorf("queue: decode payload: %w", err)
	}
	if p.StoryID <= 0 {
		return Payload{}, fmt.Errorf("queue: payload has invalid story_id %d", p.StoryID)
	}
	return p, nil
}

const (
	// leaseSlack is added to a held lease's expiry before redelivering, so the
	// redelivery does not race the expiry.
	leaseSlack = 2 * time.Second
	// minLeaseWait is used when the lease expiry is unknown or already past.
	minLeaseWait = 5 * time.Second
)

// leaseWait reports how long to wait before a story whose lease is held by
// another worker can be processed again. ok is false for any other error.
func leaseWait(err error, now time.Time) (wait time.Duration, ok bool) {
	var held *pipeline.LeaseHeldError
	if !errors.As(err, &held) {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			return minLeaseWait, true
		}
		return 0, false
	}
	wait = held.Until.Sub(now) + leaseSlack
	if held.Until.IsZero() || wait < minLeaseWait {
		wait = minLeaseWait
	}
	return wait, true
}

// Enqueuer schedules stories for processing.
type Enqueuer interface {
	EnqueueStory(ctx context.Context, storyID int64, force bool) (taskID string, err error)
}

// Processor runs the pipeline for one story. *pipeline.Runner implements it.
type Processor interface {
	Process(ctx context.Context, storyID int64, force bool) (*types.PipelineRun, error)
}

// ProcessorFunc adapts a function to [Processor].
type ProcessorFunc func(ctx context.Context, storyID int64, force bool) (*types.PipelineRun, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, storyID int64, force bool) (*types.PipelineRun, error) {
	return f(ctx, storyID, force)
}
