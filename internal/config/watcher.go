package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/sshwarden/internal/logging"
)

// DebounceDelay is the default delay before a burst of file events
// triggers a reload. Editors often write a file in several steps.
const DebounceDelay = 100 * time.Millisecond

// DetectionListener receives the detection section after every successful
// reload of the configuration file.
type DetectionListener func(DetectionConfig)

// Watcher reloads the configuration file when it changes and publishes the
// detection tunables. Other sections are only read at startup.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	listener DetectionListener
	logger   *slog.Logger

	debounceDelay time.Duration
	debounceTimer *time.Timer
	debounceMu    sync.Mutex

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher watches path. The parent directory is watched rather than the
// file so that atomic replacements (write to temp, rename) are seen.
func NewWatcher(path string, listener DetectionListener, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:          abs,
		watcher:       fw,
		listener:      listener,
		logger:        logging.OrDiscard(logger),
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay changes the debounce delay. Call before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	w.debounceDelay = d
}

// Start begins processing file events in a background goroutine.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("Config file changed", "path", w.path, "op", event.Op.String())

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload re-reads the file. An unreadable or invalid file keeps the
// previous tunables in force.
func (w *Watcher) reload() {
	w.debounceMu.Lock()
	w.debounceTimer = nil
	w.debounceMu.Unlock()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
		return
	}
	w.logger.Info("Detection settings reloaded",
		"attempts", cfg.Detection.Attempts,
		"window", cfg.Detection.Window,
		"lines", cfg.Detection.Lines,
		"interval", cfg.Detection.Interval,
		"whitelist", len(cfg.Detection.Whitelist))
	if w.listener != nil {
		w.listener(cfg.Detection)
	}
}
