// Package logging provides centralized logging configuration for sshwarden.
//
// Every package logs through a component logger (Agent, Protocol, ...) so
// that --log-components can narrow the output to the parts being debugged.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu sync.RWMutex
	// root is the handler component loggers derive from.
	root slog.Handler
	// components is the set of components to log. Nil means all.
	components map[string]bool
	// file is the rotated log file, if any, kept for Close.
	file io.WriteCloser
)

// FileLogConfig holds configuration for file-based logging with rotation.
type FileLogConfig struct {
	// Path is the file path for the log file.
	Path string
	// MaxSizeMB is the size in megabytes that triggers rotation. Default: 10.
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept. Default: 3.
	MaxBackups int
}

// Config holds logging configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// FileLog mirrors the console output into a rotated file.
	FileLog *FileLogConfig
	JSON    bool
	// Components restricts output to the named components. Empty means all.
	Components []string
	// Console overrides the console writer (defaults to os.Stderr).
	Console io.Writer
}

// Initialize installs the root handler. It may be called again, in which
// case a previously opened log file is closed.
func Initialize(cfg Config) error {
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}
	out := console
	if fl := cfg.FileLog; fl != nil && fl.Path != "" {
		lj := &lumberjack.Logger{
			Filename:   fl.Path,
			MaxSize:    positiveOr(fl.MaxSizeMB, 10),
			MaxBackups: positiveOr(fl.MaxBackups, 3),
		}
		file = lj
		out = io.MultiWriter(console, lj)
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	if cfg.JSON {
		root = slog.NewJSONHandler(out, opts)
	} else {
		root = slog.NewTextHandler(out, opts)
	}

	components = nil
	if len(cfg.Components) > 0 {
		components = make(map[string]bool, len(cfg.Components))
		for _, c := range cfg.Components {
			components[c] = true
		}
	}

	slog.SetDefault(slog.New(root))
	return nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Close closes the log file opened by Initialize, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return slog.LevelInfo
}

// ValidLevel reports whether level is empty or a name ParseLevel understands.
func ValidLevel(level string) error {
	if _, ok := levels[strings.ToLower(level)]; level == "" || ok {
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// WithComponent returns a logger tagged with component. A component left
// out by Config.Components gets a logger that discards everything.
func WithComponent(component string) *slog.Logger {
	mu.RLock()
	h, allowed := root, components == nil || components[component]
	mu.RUnlock()

	if !allowed {
		return OrDiscard(nil)
	}
	if h == nil {
		h = slog.Default().Handler()
	}
	return slog.New(h.WithAttrs([]slog.Attr{slog.String("component", component)}))
}

// Agent returns a logger for state machine events.
func Agent() *slog.Logger { return WithComponent("agent") }

// Protocol returns a logger for supervisor protocol events.
func Protocol() *slog.Logger { return WithComponent("protocol") }

// Lifecycle returns a logger for ban / reallow / wait bookkeeping.
func Lifecycle() *slog.Logger { return WithComponent("lifecycle") }

// Registry returns a logger for registry store events.
func Registry() *slog.Logger { return WithComponent("registry") }

// Firewall returns a logger for packet-filter commands.
func Firewall() *slog.Logger { return WithComponent("firewall") }

// Transport returns a logger for message transport events.
func Transport() *slog.Logger { return WithComponent("transport") }

// Queue returns a logger for the inbound message queue.
func Queue() *slog.Logger { return WithComponent("queue") }

// ConfigFile returns a logger for configuration loading and reloads.
func ConfigFile() *slog.Logger { return WithComponent("config") }

// Shutdown returns a logger for shutdown events.
func Shutdown() *slog.Logger { return WithComponent("shutdown") }

// WithConversation returns a child logger carrying the supervisor dialogue ids.
func WithConversation(base *slog.Logger, conversationID, supervisor string) *slog.Logger {
	if base == nil {
		return nil
	}
	return base.With(
		"conversation_id", conversationID,
		"supervisor", supervisor,
	)
}

// OrDiscard returns l, or a logger that drops everything when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
