// Package events carries pipeline progress notifications from workers to
// listeners such as the websocket endpoint.
//
// Delivery is best effort: a slow subscriber drops events rather than
// blocking the pipeline. Terminal events are the exception; they evict the
// oldest buffered event so a subscriber always learns that the run ended. The persisted run in the store remains the source of
// truth; events only make progress visible sooner.
package events

import (
	"context"
	"time"

	"github.com/MrWong99/storyline/pkg/types"
)

// Kind identifies what happened.
type Kind string

const (
	StageStarted   Kind = "stage_started"
	StageCompleted Kind = "stage_completed"
	StageRetrying  Kind = "stage_retrying"
	ImageCompleted Kind = "image_completed"
	RunSucceeded   Kind = "run_succeeded"
	RunFailed      Kind = "run_failed"
)

// Terminal reports whether no further events follow for the run.
func (k Kind) Terminal() bool { return k == RunSucceeded || k == RunFailed }

// Event is one pipeline progress notification.
type Event struct {
	StoryID int64       `json:"story_id"`
	RunID   string      `json:"run_id"`
	Kind    Kind        `json:"kind"`
	Stage   types.Stage `json:"stage,omitempty"`
	Attempt int         `json:"attempt,omitempty"`
	Image   int         `json:"image,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 32

// offer sends ev on ch without blocking. Callers must be the only sender on
// ch.
func offer(ch chan Event, ev Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	if !ev.Kind.Terminal() {
		return
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}

// Bus publishes events and fans them out to subscribers of a story.
type Bus interface {
	Publish(ctx context.Context, ev Event) error

	// Subscribe returns a channel of events for storyID. The channel is
	// closed after cancel is called or ctx ends.
	Subscribe(ctx context.Context, storyID int64) (<-chan Event, func(), error)
}
