package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"go.uber.org/goleak"

	"github.com/MrWong99/storyline/internal/pipeline"
	"github.com/MrWong99/storyline/pkg/types"
)

// fakeProcessor returns errs in order, then nil.
type fakeProcessor struct {
	mu    sync.Mutex
	errs  []error
	calls []Payload
	block chan struct{}
}

func (f *fakeProcessor) Process(ctx context.Context, storyID int64, force bool) (*types.PipelineRun, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Payload{StoryID: storyID, Force: force})
	if len(f.errs) == 0 {
		return &types.PipelineRun{StoryID: storyID, Status: types.RunSucceeded}, nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return nil, err
}

func (f *fakeProcessor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestTaskID(t *testing.T) {
	if got := TaskID(42); got != "story:42" {
		t.Errorf("TaskID(42) = %q", got)
	}
}

func TestDecodePayload(t *testing.T) {
	p, err := decodePayload([]byte(`{"story_id": 7, "force": true}`))
	if err != nil || p.StoryID != 7 || !p.Force {
		t.Errorf("decode = %+v, %v", p, err)
	}
	for _, bad := range []string{`{`, `{"story_id": 0}`, `{"story_id": -3}`} {
		if _, err := decodePayload([]byte(bad)); err == nil {
			t.Errorf("decodePayload(%s) succeeded", bad)
		}
	}
}

func TestWorkerHandle(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		err       error
		wantErr   bool
		wantSkip  bool
		wantCalls int
	}{
		{name: "success", payload: `{"story_id": 1}`, wantCalls: 1},
		{name: "held lease is redelivered", payload: `{"story_id": 1}`, err: &pipeline.LeaseHeldError{StoryID: 1, Until: time.Now().Add(time.Minute)}, wantErr: true, wantCalls: 1},
		{name: "permanent skips retry", payload: `{"story_id": 1}`, err: fmt.Errorf("x: %w", pipeline.ErrStoryNotFound), wantErr: true, wantSkip: true, wantCalls: 1},
		{name: "transient is retried", payload: `{"story_id": 1}`, err: errors.New("timeout"), wantErr: true, wantCalls: 1},
		{name: "bad payload", payload: `{}`, wantErr: true, wantSkip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakeProcessor{}
			if tt.err != nil {
				fp.errs = []error{tt.err}
			}
			w := &Worker{proc: fp, log: slog.Default()}
			err := w.handle(context.Background(), asynq.NewTask(TaskProcessStory, []byte(tt.payload)))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tt.wantSkip {
				t.Errorf("SkipRetry = %v, want %v", got, tt.wantSkip)
			}
			if fp.count() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", fp.count(), tt.wantCalls)
			}
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLocalPool_ProcessesAndDeduplicates(t *testing.T) {
	defer goleak.VerifyNone(t)
	fp := &fakeProcessor{block: make(chan struct{})}
	pool := NewLocalPool(fp, LocalConfig{Workers: 1}, nil)
	defer pool.Close()
	ctx := context.Background()

	// Story 1 occupies the only worker; story 2 waits in the backlog.
	if _, err := pool.EnqueueStory(ctx, 1, false); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	waitFor(t, func() bool {
		pool.mu.Lock()
		defer pool.mu.Unlock()
		return !pool.pending[1]
	})
	id, err := pool.EnqueueStory(ctx, 2, false)
	if err != nil || id != "story:2" {
		t.Fatalf("enqueue 2 = %q, %v", id, err)
	}
	if _, err := pool.EnqueueStory(ctx, 2, true); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("duplicate enqueue err = %v", err)
	}

	close(fp.block)
	waitFor(t, func() bool { return fp.count() == 2 })
}

func TestLocalPool_RetriesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)
	fp := &fakeProcessor{errs: []error{errors.New("503"), errors.New("503")}}
	pool := NewLocalPool(fp, LocalConfig{Workers: 2, MaxRetry: 3, RetryDelay: time.Millisecond}, nil)
	defer pool.Close()

	if _, err := pool.EnqueueStory(context.Background(), 5, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return fp.count() == 3 })
}

func TestLocalPool_PermanentFailureIsNotRetried(t *testing.T) {
	defer goleak.VerifyNone(t)
	fp := &fakeProcessor{errs: []error{pipeline.ErrStoryNotFound}}
	pool := NewLocalPool(fp, LocalConfig{Workers: 1, MaxRetry: 3, RetryDelay: time.Millisecond}, nil)

	if _, err := pool.EnqueueStory(context.Background(), 5, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return fp.count() == 1 })
	time.Sleep(20 * time.Millisecond)
	_ = pool.Close()
	if fp.count() != 1 {
		t.Errorf("calls = %d, want 1", fp.count())
	}
}

func TestLocalPool_CloseRejectsNewWork(t *testing.T) {
	defer goleak.VerifyNone(t)
	var processed atomic.Int32
	pool := NewLocalPool(ProcessorFunc(func(context.Context, int64, bool) (*types.PipelineRun, error) {
		processed.Add(1)
		return nil, nil
	}), LocalConfig{Workers: 3}, nil)
	_ = pool.Close()
	_ = pool.Close()
	if _, err := pool.EnqueueStory(context.Background(), 1, false); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestLeaseWait(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		err      error
		want     time.Duration
		wantHeld bool
	}{
		{name: "lease expires later", err: &pipeline.LeaseHeldError{StoryID: 1, Until: now.Add(10 * time.Minute)}, want: 10*time.Minute + leaseSlack, wantHeld: true},
		{name: "wrapped", err: fmt.Errorf("x: %w", &pipeline.LeaseHeldError{StoryID: 1, Until: now.Add(time.Minute)}), want: time.Minute + leaseSlack, wantHeld: true},
		{name: "expired lease", err: &pipeline.LeaseHeldError{StoryID: 1, Until: now.Add(-time.Minute)}, want: minLeaseWait, wantHeld: true},
		{name: "unknown expiry", err: &pipeline.LeaseHeldError{StoryID: 1}, want: minLeaseWait, wantHeld: true},
		{name: "bare sentinel", err: pipeline.ErrRunInProgress, want: minLeaseWait, wantHeld: true},
		{name: "other error", err: errors.New("timeout")},
		{name: "nil", err: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, held := leaseWait(tt.err, now)
			if got != tt.want || held != tt.wantHeld {
				t.Errorf("leaseWait = %v, %v; want %v, %v", got, held, tt.want, tt.wantHeld)
			}
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	task := asynq.NewTask(TaskProcessStory, nil)
	held := &pipeline.LeaseHeldError{StoryID: 1, Until: time.Now().Add(15 * time.Minute)}
	if isFailure(held) {
		t.Error("held lease counted as a failure")
	}
	if !isFailure(errors.New("timeout")) {
		t.Error("transient error not counted as a failure")
	}
	if d := retryDelay(0, held, task); d < 14*time.Minute || d > 16*time.Minute {
		t.Errorf("held lease delay = %v, want about 15m", d)
	}
	if d := retryDelay(0, errors.New("timeout"), task); d <= 0 || d > time.Minute {
		t.Errorf("transient delay = %v", d)
	}
}

func TestLocalPool_WaitsForHeldLease(t *testing.T) {
	defer goleak.VerifyNone(t)
	fp := &fakeProcessor{errs: []error{
		&pipeline.LeaseHeldError{StoryID: 5, Until: time.Now().Add(-time.Second)},
	}}
	// MaxRetry 0: waiting on the lease must not use up the only attempt.
	pool := NewLocalPool(fp, LocalConfig{Workers: 1}, nil)
	defer pool.Close()

	if _, err := pool.EnqueueStory(context.Background(), 5, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	deadline := time.Now().Add(minLeaseWait + 2*time.Second)
	for fp.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want 2", fp.count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newTestClient returns a Client and Inspector on an in-memory Redis.
func newTestClient(t *testing.T) (*Client, *asynq.Inspector, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	opt := asynq.RedisClientOpt{Addr: mr.Addr()}
	const queueName = "stories"
	c := NewClient(opt, ClientConfig{Queue: queueName, MaxRetry: 1}, nil)
	insp := asynq.NewInspector(opt)
	t.Cleanup(func() {
		_ = insp.Close()
		_ = c.Close()
	})
	return c, insp, queueName
}

func storedPayload(t *testing.T, insp *asynq.Inspector, queueName, id string) (Payload, asynq.TaskState) {
	t.Helper()
	info, err := insp.GetTaskInfo(queueName, id)
	if err != nil {
		t.Fatalf("GetTaskInfo: %v", err)
	}
	p, err := decodePayload(info.Payload)
	if err != nil {
		t.Fatalf("decode stored payload: %v", err)
	}
	return p, info.State
}

func TestClient_DuplicateEnqueue(t *testing.T) {
	c, insp, queueName := newTestClient(t)
	ctx := context.Background()

	steps := []struct {
		force     bool
		wantQueue bool
		wantForce bool
	}{
		{force: false, wantForce: false},
		{force: false, wantQueue: true, wantForce: false},
		// A forced request replaces the plain waiting task.
		{force: true, wantForce: true},
		{force: true, wantQueue: true, wantForce: true},
		{force: false, wantQueue: true, wantForce: true},
	}
	for i, st := range steps {
		id, err := c.EnqueueStory(ctx, 99, st.force)
		if id != "story:99" {
			t.Fatalf("step %d: id = %q", i, id)
		}
		if got := errors.Is(err, ErrAlreadyQueued); got != st.wantQueue || (err != nil && !got) {
			t.Fatalf("step %d: err = %v, want already queued %v", i, err, st.wantQueue)
		}
		p, state := storedPayload(t, insp, queueName, id)
		if p.Force != st.wantForce || state != asynq.TaskStatePending {
			t.Errorf("step %d: stored force=%v state=%v, want force=%v pending", i, p.Force, state, st.wantForce)
		}
	}
}

func TestClient_EnqueueAfterArchive(t *testing.T) {
	for _, force := range []bool{false, true} {
		t.Run(fmt.Sprintf("force=%v", force), func(t *testing.T) {
			c, insp, queueName := newTestClient(t)
			ctx := context.Background()
			if _, err := c.EnqueueStory(ctx, 5, false); err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			// A permanent failure or exhausted retries archive the task.
			if err := insp.ArchiveTask(queueName, "story:5"); err != nil {
				t.Fatalf("ArchiveTask: %v", err)
			}

			id, err := c.EnqueueStory(ctx, 5, force)
			if err != nil || id != "story:5" {
				t.Fatalf("enqueue after archive = %q, %v", id, err)
			}
			p, state := storedPayload(t, insp, queueName, id)
			if state != asynq.TaskStatePending || p.Force != force {
				t.Errorf("stored task state=%v force=%v, want pending force=%v", state, p.Force, force)
			}
			archived, err := insp.ListArchivedTasks(queueName)
			if err != nil {
				t.Fatalf("ListArchivedTasks: %v", err)
			}
			if len(archived) != 0 {
				t.Errorf("archived tasks = %d, want 0", len(archived))
			}
		})
	}
}
