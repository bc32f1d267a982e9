package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces the per-story pub/sub channels.
const channelPrefix = "story:events:"

// Channel returns the Redis pub/sub channel for storyID.
func Channel(storyID int64) string {
	return channelPrefix + strconv.FormatInt(storyID, 10)
}

// Redis is a Bus over Redis pub/sub, so API replicas see progress published
// by any worker.
type Redis struct {
	client redis.UniversalClient
}

var _ Bus = (*Redis)(nil)

// NewRedis wraps an existing client. The caller owns the client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Publish implements Bus.
func (r *Redis) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, Channel(ev.StoryID), b).Err(); err != nil {
		return fmt.Errorf("events: publish story %d: %w", ev.StoryID, err)
	}
	return nil
}

// Subscribe implements Bus. The subscription is confirmed before returning so
// that no event published afterwards is missed.
func (r *Redis) Subscribe(ctx context.Context, storyID int64) (<-chan Event, func(), error) {
	ps := r.client.Subscribe(ctx, Channel(storyID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("events: subscribe story %d: %w", storyID, err)
	}

	out := make(chan Event, subscriberBuffer)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					slog.Warn("events: dropping malformed message", "channel", msg.Channel, "err", err)
					continue
				}
				offer(out, ev)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { close(stop) })
		<-done
	}
	return out, cancel, nil
}
