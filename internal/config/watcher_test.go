package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type detectionRecorder struct {
	mu       sync.Mutex
	got      []DetectionConfig
	notified chan struct{}
}

func newDetectionRecorder() *detectionRecorder {
	return &detectionRecorder{notified: make(chan struct{}, 10)}
}

func (r *detectionRecorder) listen(d DetectionConfig) {
	r.mu.Lock()
	r.got = append(r.got, d)
	r.mu.Unlock()
	select {
	case r.notified <- struct{}{}:
	default:
	}
}

func (r *detectionRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func (r *detectionRecorder) last() DetectionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func (r *detectionRecorder) waitForEvent(timeout time.Duration) bool {
	select {
	case <-r.notified:
		return true
	case <-time.After(timeout):
		return false
	}
}

func writeConfig(t *testing.T, path string, attempts string) {
	t.Helper()
	yaml := "registry:\n  dir: /tmp/r\ntransport:\n  url: ws://x\ndetection:\n  attempts: " + attempts + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
}

func startWatcher(t *testing.T, path string, rec *detectionRecorder) *Watcher {
	t.Helper()
	w, err := NewWatcher(path, rec.listen, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.SetDebounceDelay(20 * time.Millisecond)
	w.Start()
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWatcher_PublishesDetectionOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, path, "3")

	rec := newDetectionRecorder()
	startWatcher(t, path, rec)

	writeConfig(t, path, "7")
	if !rec.waitForEvent(2 * time.Second) {
		t.Fatal("no reload after the file changed")
	}
	if got := rec.last().Attempts; got != 7 {
		t.Errorf("published attempts = %d, want 7", got)
	}
}

func TestWatcher_Debouncing(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, path, "3")

	rec := newDetectionRecorder()
	w := startWatcher(t, path, rec)
	w.SetDebounceDelay(100 * time.Millisecond)

	for _, n := range []string{"4", "5", "6"} {
		writeConfig(t, path, n)
		time.Sleep(10 * time.Millisecond)
	}
	if !rec.waitForEvent(2 * time.Second) {
		t.Fatal("no reload after the burst")
	}
	time.Sleep(200 * time.Millisecond)

	if n := rec.count(); n != 1 {
		t.Errorf("reloads = %d, want 1 for a burst of writes", n)
	}
	if got := rec.last().Attempts; got != 6 {
		t.Errorf("published attempts = %d, want 6", got)
	}
}

func TestWatcher_InvalidChangeKeepsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), ConfigFileName)
	writeConfig(t, path, "3")

	rec := newDetectionRecorder()
	startWatcher(t, path, rec)

	writeConfig(t, path, "0")
	if rec.waitForEvent(300 * time.Millisecond) {
		t.Fatalf("invalid config was published: %+v", rec.last())
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	writeConfig(t, path, "3")

	rec := newDetectionRecorder()
	startWatcher(t, path, rec)

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if rec.waitForEvent(300 * time.Millisecond) {
		t.Error("a change to another file triggered a reload")
	}
}

func TestWatcher_AtomicReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	writeConfig(t, path, "3")

	rec := newDetectionRecorder()
	startWatcher(t, path, rec)

	tmp := filepath.Join(dir, "sshwarden.yaml.tmp")
	writeConfig(t, tmp, "9")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	if !rec.waitForEvent(2 * time.Second) {
		t.Fatal("no reload after an atomic replace")
	}
	if got := rec.last().Attempts; got != 9 {
		t.Errorf("published attempts = %d, want 9", got)
	}
}

func TestNewWatcher_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", ConfigFileName)
	if _, err := NewWatcher(path, nil, nil); err == nil {
		t.Error("NewWatcher() on a missing directory should fail")
	}
}
