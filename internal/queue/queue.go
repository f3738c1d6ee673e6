// Package queue provides the bounded inbound message queue shared between the
// transport's receive callback and the agent's state machine.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/sshwarden/internal/message"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 100

var (
	// ErrFull is returned by Push when the queue is at capacity.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned by Pop when the queue has no messages.
	ErrEmpty = errors.New("queue is empty")
	// ErrTimeout is returned when a deadline passes before a message is available.
	ErrTimeout = errors.New("timed out waiting for message")
)

// Queue is a bounded FIFO of inbound messages.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []message.Message
	capacity int
	// arrived is closed and replaced on every push so that all waiters wake.
	arrived chan struct{}

	logger  *slog.Logger
	warnLim *rate.Limiter
	dropped uint64
}

// New creates a queue holding at most capacity messages.
func New(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items:    make([]message.Message, 0, capacity),
		capacity: capacity,
		arrived:  make(chan struct{}),
		logger:   logger,
		// One overflow warning per second, bursts of five.
		warnLim: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Push appends m to the tail. When the queue is full the message is dropped,
// a warning is logged and ErrFull is returned. No backpressure is applied.
func (q *Queue) Push(m message.Message) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		if q.logger != nil && q.warnLim.Allow() {
			q.logger.Warn("Inbound queue full, dropping message",
				"performative", m.Performative.String(),
				"conversation_id", m.ConversationID,
				"capacity", q.capacity,
				"dropped_total", dropped)
		}
		return ErrFull
	}
	q.items = append(q.items, m)
	close(q.arrived)
	q.arrived = make(chan struct{})
	q.mu.Unlock()
	return nil
}

// Pop removes and returns the head of the queue.
// Returns ErrEmpty if the queue is empty.
func (q *Queue) Pop() (message.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return message.Message{}, ErrEmpty
	}
	return q.removeAt(0), nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the maximum number of queued messages.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Dropped returns how many messages were rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait blocks until the queue is non-empty (true), or until the deadline
// passes or ctx is done (false). A zero deadline means no deadline.
func (q *Queue) Wait(ctx context.Context, deadline time.Time) bool {
	timer, expired := deadlineTimer(deadline)
	if timer != nil {
		defer timer.Stop()
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return true
		}
		arrived := q.arrived
		q.mu.Unlock()

		select {
		case <-arrived:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// PopWait removes the head of the queue, waiting for one to arrive if needed.
func (q *Queue) PopWait(ctx context.Context, deadline time.Time) (message.Message, error) {
	return q.Take(ctx, deadline, func(message.Message) bool { return true })
}

// Take removes and returns the first queued message for which match is true.
// Messages that do not match keep their relative order in the queue. If no
// queued message matches, Take waits for new arrivals until the deadline
// (ErrTimeout) or ctx ends (ctx.Err()). A zero deadline means no deadline.
func (q *Queue) Take(ctx context.Context, deadline time.Time, match func(message.Message) bool) (message.Message, error) {
	timer, expired := deadlineTimer(deadline)
	if timer != nil {
		defer timer.Stop()
	}

	for {
		q.mu.Lock()
		for i := range q.items {
			if match(q.items[i]) {
				m := q.removeAt(i)
				q.mu.Unlock()
				return m, nil
			}
		}
		arrived := q.arrived
		q.mu.Unlock()

		select {
		case <-arrived:
		case <-expired:
			return message.Message{}, ErrTimeout
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

// removeAt removes item i. Caller holds q.mu.
func (q *Queue) removeAt(i int) message.Message {
	m := q.items[i]
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = message.Message{}
	q.items = q.items[:len(q.items)-1]
	return m
}

func deadlineTimer(deadline time.Time) (*time.Timer, <-chan time.Time) {
	if deadline.IsZero() {
		return nil, nil
	}
	t := time.NewTimer(time.Until(deadline))
	return t, t.C
}
