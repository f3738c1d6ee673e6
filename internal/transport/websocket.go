package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/message"
)

// WebSocketConfig configures the WebSocket client.
type WebSocketConfig struct {
	URL    string
	Header http.Header

	DialTimeout time.Duration
	// MaxMessageSize is the largest inbound frame accepted.
	MaxMessageSize int64
	// PongWait is how long the connection may stay silent before it is
	// considered dead. PingPeriod must be shorter.
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration

	// ReconnectMin and ReconnectMax bound the redial backoff.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

func (c *WebSocketConfig) applyDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
}

// WebSocket sends protocol messages as JSON text frames over a single
// connection to the supervisor and redials when the connection drops.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

// NewWebSocket returns an unconnected client. logger may be nil.
func NewWebSocket(cfg WebSocketConfig, logger *slog.Logger) *WebSocket {
	cfg.applyDefaults()
	return &WebSocket{
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
	}
}

// Start dials the supervisor. ctx bounds only the first dial: the
// connection outlives it so the subscription can still be cancelled after
// the agent's run context ends. Use Close to stop.
func (w *WebSocket) Start(ctx context.Context, h Handler) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.conn = conn
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(runCtx, conn, h)
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	defer cancel()
	conn, resp, err := w.dialer.DialContext(dctx, w.cfg.URL, w.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}
	conn.SetReadLimit(w.cfg.MaxMessageSize)
	w.logger.Info("Connected to supervisor", "url", w.cfg.URL)
	return conn, nil
}

// run reads from conn until it fails, then redials with backoff.
func (w *WebSocket) run(ctx context.Context, conn *websocket.Conn, h Handler) {
	defer close(w.done)
	delay := w.cfg.ReconnectMin
	for {
		w.serve(ctx, conn, h)

		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			next, err := w.dial(ctx)
			if err == nil {
				conn = next
				delay = w.cfg.ReconnectMin
				break
			}
			w.logger.Warn("Reconnect failed", "url", w.cfg.URL, "retry_in", delay, "error", err)
			delay = min(delay*2, w.cfg.ReconnectMax)
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			_ = conn.Close()
			return
		}
		w.conn = conn
		w.mu.Unlock()
	}
}

// serve runs the read pump and keepalive for one connection.
func (w *WebSocket) serve(ctx context.Context, conn *websocket.Conn, h Handler) {
	stop := make(chan struct{})
	defer close(stop)
	go w.keepalive(conn, stop)

	_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				w.logger.Warn("Supervisor connection lost", "url", w.cfg.URL, "error", err)
			}
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))

		m, err := message.Unmarshal(data)
		if err != nil {
			w.logger.Warn("Dropping malformed frame", "error", err, "size", len(data))
			continue
		}
		h(m)
	}
}

func (w *WebSocket) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.cfg.WriteWait)); err != nil {
				w.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

// Send writes m as one text frame. Writes are serialized.
func (w *WebSocket) Send(ctx context.Context, m message.Message) error {
	data, err := message.Marshal(m)
	if err != nil {
		return err
	}

	w.mu.Lock()
	conn, closed := w.conn, w.closed
	w.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(w.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a close frame, stops redialing and waits for the read pump.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn, cancel, done := w.conn, w.cancel, w.done
	w.conn = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(w.cfg.WriteWait))
		// The read pump may have closed it already.
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	return nil
}
