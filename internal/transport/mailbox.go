package transport

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/message"
	"github.com/inercia/sshwarden/internal/sqlitedb"
)

const mailboxSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	msg_id     TEXT NOT NULL,
	sender     TEXT NOT NULL,
	receiver   TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver, id);
CREATE TABLE IF NOT EXISTS cursors (
	agent   TEXT PRIMARY KEY,
	last_id INTEGER NOT NULL
);
`

const mailboxBatch = 100

// MailboxConfig configures a Mailbox.
type MailboxConfig struct {
	// Path is the shared SQLite database.
	Path string
	// Agent is the receiver name whose messages are delivered.
	Agent string
	// PollInterval is how often new messages are looked for.
	PollInterval time.Duration
}

// Mailbox exchanges messages through a SQLite database shared with the
// supervisor. Each reader keeps a cursor so restarts do not redeliver.
type Mailbox struct {
	cfg    MailboxConfig
	db     *sql.DB
	logger *slog.Logger

	// deliverMu serializes Deliver so a message is handed over once.
	deliverMu sync.Mutex

	mu      sync.Mutex
	lastID  int64
	handler Handler
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// OpenMailbox opens (or creates) the mailbox database. logger may be nil.
func OpenMailbox(cfg MailboxConfig, logger *slog.Logger) (*Mailbox, error) {
	if cfg.Path == "" {
		return nil, errors.New("mailbox transport requires a database path")
	}
	if cfg.Agent == "" {
		return nil, errors.New("mailbox transport requires an agent name")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	db, err := sqlitedb.Open(cfg.Path, mailboxSchema)
	if err != nil {
		return nil, fmt.Errorf("open mailbox: %w", err)
	}
	return &Mailbox{cfg: cfg, db: db, logger: logging.OrDiscard(logger)}, nil
}

// Start loads this agent's cursor and starts polling. Like the WebSocket
// transport, polling continues after ctx ends until Close.
func (b *Mailbox) Start(ctx context.Context, h Handler) error {
	var lastID int64
	err := b.db.QueryRowContext(ctx, `SELECT last_id FROM cursors WHERE agent = ?`, b.cfg.Agent).Scan(&lastID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load cursor: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.lastID = lastID
	b.handler = h
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.poll(runCtx)
	b.logger.Info("Mailbox started", "path", b.cfg.Path, "agent", b.cfg.Agent, "cursor", lastID)
	return nil
}

func (b *Mailbox) poll(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := b.Deliver(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warn("Mailbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Deliver hands every pending message for this agent to the handler, in
// insertion order, and advances the cursor. It returns how many were
// delivered.
func (b *Mailbox) Deliver(ctx context.Context) (int, error) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	h, lastID := b.handler, b.lastID
	b.mu.Unlock()
	if h == nil {
		return 0, ErrNotConnected
	}

	delivered := 0
	for {
		rows, err := b.db.QueryContext(ctx,
			`SELECT id, body FROM messages WHERE receiver = ? AND id > ? ORDER BY id ASC LIMIT ?`,
			b.cfg.Agent, lastID, mailboxBatch)
		if err != nil {
			return delivered, err
		}
		type row struct {
			id   int64
			body string
		}
		var batch []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.body); err != nil {
				rows.Close()
				return delivered, err
			}
			batch = append(batch, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return delivered, err
		}
		if len(batch) == 0 {
			return delivered, nil
		}

		for _, r := range batch {
			lastID = r.id
			m, err := message.Unmarshal([]byte(r.body))
			if err != nil {
				b.logger.Warn("Dropping malformed mailbox message", "id", r.id, "error", err)
				continue
			}
			h(m)
			delivered++
		}
		if err := b.setCursor(lastID); err != nil {
			return delivered, err
		}
		if len(batch) < mailboxBatch {
			return delivered, nil
		}
	}
}

func (b *Mailbox) setCursor(lastID int64) error {
	err := sqlitedb.Retry(func() error {
		_, err := b.db.Exec(
			`INSERT INTO cursors (agent, last_id) VALUES (?, ?)
			 ON CONFLICT(agent) DO UPDATE SET last_id = excluded.last_id`,
			b.cfg.Agent, lastID)
		return err
	})
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	b.mu.Lock()
	b.lastID = lastID
	b.mu.Unlock()
	return nil
}

// Send stores m for its receiver.
func (b *Mailbox) Send(ctx context.Context, m message.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if m.Receiver == "" {
		return errors.New("mailbox message has no receiver")
	}
	body, err := message.Marshal(m)
	if err != nil {
		return err
	}
	return sqlitedb.Retry(func() error {
		_, err := b.db.ExecContext(ctx,
			`INSERT INTO messages (msg_id, sender, receiver, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			message.NewID(), m.Sender, m.Receiver, string(body), time.Now().UTC().Format(time.RFC3339Nano))
		return err
	})
}

// Close stops polling and closes the database.
func (b *Mailbox) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return b.db.Close()
}
