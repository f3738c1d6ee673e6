// Package eventlog writes the agent's append-only operational status records.
//
// Each record is one JSON line with the time, the agent name and a status
// string plus optional attributes. Writing is best-effort: failures are
// dropped and never reach the caller.
package eventlog

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds configuration for the event log.
type Config struct {
	// Path is the file path for the event log.
	// Empty string disables event logging.
	Path string

	// MaxSizeMB is the maximum size of the log file in megabytes before rotation.
	// Default: 10MB
	MaxSizeMB int

	// MaxBackups is the maximum number of old log files to retain.
	// Default: 3
	MaxBackups int
}

// Log records status events. A nil *Log discards everything.
type Log struct {
	agent  string
	mu     sync.Mutex
	writer io.WriteCloser
	logger *slog.Logger
}

// Open creates an event log for agent. If cfg.Path is empty, returns nil
// (event logging disabled).
func Open(agent string, cfg Config) *Log {
	if cfg.Path == "" {
		return nil
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return New(agent, &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     0,
		Compress:   false,
	})
}

// New creates an event log writing to w.
func New(agent string, w io.WriteCloser) *Log {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Records carry "status" instead of slog's level and msg keys.
			if len(groups) == 0 {
				switch a.Key {
				case slog.LevelKey:
					return slog.Attr{}
				case slog.MessageKey:
					a.Key = "status"
				}
			}
			return a
		},
	})
	return &Log{
		agent:  agent,
		writer: w,
		logger: slog.New(handler).With("agent", agent),
	}
}

// Record appends one status record.
func (l *Log) Record(status string, attrs ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger == nil {
		return
	}
	l.logger.Log(context.Background(), slog.LevelInfo, status, attrs...)
}

// Close closes the underlying writer.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logger == nil {
		return nil
	}
	l.logger = nil
	return l.writer.Close()
}
