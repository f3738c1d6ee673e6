// Package transport carries protocol messages between the agent and its
// supervisor. Two implementations exist: a WebSocket client and a mailbox
// backed by a shared SQLite database.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/sshwarden/internal/message"
)

var (
	// ErrNotConnected is returned by Send while no connection is established.
	ErrNotConnected = errors.New("transport not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport closed")
)

// Handler receives inbound messages. It is called from the transport's own
// goroutine and must not block.
type Handler func(message.Message)

// Transport delivers messages to the supervisor and hands inbound ones to
// a Handler.
type Transport interface {
	// Start connects and begins delivering inbound messages to h. It
	// returns once the transport is ready to Send.
	Start(ctx context.Context, h Handler) error
	Send(ctx context.Context, m message.Message) error
	Close() error
}

// Config selects and configures a transport.
type Config struct {
	// Kind is "websocket" or "mailbox".
	Kind string
	// Agent is this agent's name; the mailbox delivers messages addressed to it.
	Agent string

	URL         string
	DialTimeout time.Duration

	MailboxPath  string
	PollInterval time.Duration
}

// New builds the transport named by cfg.Kind.
func New(cfg Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Kind {
	case "", "websocket":
		if cfg.URL == "" {
			return nil, errors.New("websocket transport requires a URL")
		}
		return NewWebSocket(WebSocketConfig{URL: cfg.URL, DialTimeout: cfg.DialTimeout}, logger), nil
	case "mailbox":
		return OpenMailbox(MailboxConfig{
			Path:         cfg.MailboxPath,
			Agent:        cfg.Agent,
			PollInterval: cfg.PollInterval,
		}, logger)
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}
