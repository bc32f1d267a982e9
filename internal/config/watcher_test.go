package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/MrWong99/storyline/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
pipeline:
  image_concurrency: 2
`

const watcherUpdatedYAML = `
server:
  log_level: debug
pipeline:
  image_concurrency: 5
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, onChange func(old, new *config.Config)) (*config.Watcher, string) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	w, err := config.NewWatcher(cfgPath, onChange, config.WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, cfgPath
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, nil)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	called := make(chan struct{}, 1)

	w, cfgPath := newTestWatcher(t, func(old, new *config.Config) {
		mu.Lock()
		gotOld, gotNew = old, new
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	})

	writeFile(t, cfgPath, watcherUpdatedYAML)

	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotOld.Server.LogLevel != config.LogInfo {
		t.Errorf("old log_level: got %q", gotOld.Server.LogLevel)
	}
	if gotNew.Pipeline.ImageConcurrency != 5 {
		t.Errorf("new image_concurrency: got %d", gotNew.Pipeline.ImageConcurrency)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_AtomicReplace(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	w, cfgPath := newTestWatcher(t, func(_, _ *config.Config) {
		select {
		case called <- struct{}{}:
		default:
		}
	})

	tmp := cfgPath + ".tmp"
	writeFile(t, tmp, watcherUpdatedYAML)
	if err := os.Rename(tmp, cfgPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-called:
	case <-time.After(3 * time.Second):
		t.Fatal("rename was not picked up")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	w, cfgPath := newTestWatcher(t, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should keep old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_SameContentNoCallback(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	_, cfgPath := newTestWatcher(t, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	writeFile(t, cfgPath, watcherValidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("identical content should not trigger callback, got %d calls", calls)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopReleasesGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)
	w, err := config.NewWatcher(cfgPath, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
