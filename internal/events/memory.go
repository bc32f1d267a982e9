package events

import (
	"context"
	"sync"
)

// Memory is an in-process Bus for single-binary deployments and tests.
type Memory struct {
	mu   sync.Mutex
	subs map[int64]map[*memSub]struct{}
}

type memSub struct {
	ch   chan Event
	once sync.Once
}

var _ Bus = (*Memory)(nil)

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[int64]map[*memSub]struct{})}
}

// Publish implements Bus. It never blocks; see [offer] for a full buffer.
func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs[ev.StoryID] {
		offer(s.ch, ev)
	}
	return nil
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, storyID int64) (<-chan Event, func(), error) {
	s := &memSub{ch: make(chan Event, subscriberBuffer)}
	m.mu.Lock()
	if m.subs[storyID] == nil {
		m.subs[storyID] = make(map[*memSub]struct{})
	}
	m.subs[storyID][s] = struct{}{}
	m.mu.Unlock()

	done := make(chan struct{})
	cancel := func() {
		s.once.Do(func() {
			m.mu.Lock()
			delete(m.subs[storyID], s)
			if len(m.subs[storyID]) == 0 {
				delete(m.subs, storyID)
			}
			close(s.ch)
			m.mu.Unlock()
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return s.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions for storyID.
func (m *Memory) Subscribers(storyID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[storyID])
}
