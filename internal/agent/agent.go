// Package agent runs the protection agent's state machine: subscribe to the
// supervisor, then repeat detect, unblock, block, report and wait, handling
// supervisor block commands while waiting, until the run is cancelled or a
// core step fails.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/inercia/sshwarden/internal/eventlog"
	"github.com/inercia/sshwarden/internal/lifecycle"
	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/message"
	"github.com/inercia/sshwarden/internal/protocol"
	"github.com/inercia/sshwarden/internal/queue"
)

var (
	// ErrFinished is returned by Run once the agent has reached FINALIZE.
	ErrFinished = errors.New("agent has already finished")
	// ErrRunning is returned by Run when another Run is in progress.
	ErrRunning = errors.New("agent is already running")
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultPushRetries     = 3
)

// Protocol is the supervisor dialogue used by the scheduler.
type Protocol interface {
	Subscribe(ctx context.Context, selfAddress string) (string, error)
	Unsubscribe(ctx context.Context, conversationID string) error
	SendReport(ctx context.Context, conversationID string, attackers []message.Attacker) (string, error)
	AwaitReport(ctx context.Context, conversationID, replyWith string) error
	RejectPush(ctx context.Context, m message.Message, conversationID string, rej *protocol.Rejection) error
	AcceptPush(ctx context.Context, m message.Message, conversationID string) error
}

// Lifecycle applies detection results and block commands to the registries
// and the firewall.
type Lifecycle interface {
	CheckLog(ctx context.Context, p lifecycle.Params) (lifecycle.Detection, error)
	Reallow(ctx context.Context) error
	Ban(ctx context.Context) error
	PendingReport() ([]message.Attacker, error)
	ClearReport() error
	BlockPushed(ctx context.Context, ips []string) error
}

// Tunables can be changed while the agent runs. They take effect at the
// next CHECK_LOG, and Interval at the next WAIT deadline.
type Tunables struct {
	Detection lifecycle.Params
	// Interval is the WAIT period between detection cycles.
	Interval time.Duration
}

// Validate reports the first invalid tunable.
func (t Tunables) Validate() error {
	if err := t.Detection.Validate(); err != nil {
		return err
	}
	if t.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", t.Interval)
	}
	return nil
}

// Config configures an Agent.
type Config struct {
	// Name identifies this agent in logs and event records.
	Name string
	// Supervisor is the supervisor's name, for logs only.
	Supervisor string
	// SelfAddress is announced on subscribe. Empty means discover it.
	SelfAddress string
	Tunables    Tunables
	// ShutdownTimeout bounds the cancel exchange in UNSUBSCRIBE.
	ShutdownTimeout time.Duration
	// PushRetries is how many times a failing block command is retried in
	// place before the session is torn down.
	PushRetries int
}

// Session is the scheduler's mutable state.
type Session struct {
	State          State
	ConversationID string
	// PendingReplyID is the correlation id of the report awaiting its reply.
	PendingReplyID string
	// NextDeadline is when WAIT next hands over to CHECK_LOG.
	NextDeadline time.Time
	// Cause is the error that made the session end, if any.
	Cause error

	push         *message.Message
	pushFailures int
}

// Agent is the scheduler. Run drives it from a single goroutine; OnMessage
// and SetTunables may be called from any goroutine.
type Agent struct {
	cfg    Config
	proto  Protocol
	lc     Lifecycle
	queue  *queue.Queue
	base   *slog.Logger
	logger *slog.Logger
	events *eventlog.Log
	now    func() time.Time
	detect func() (string, error)

	tunables atomic.Pointer[Tunables]
	running  atomic.Bool
	finished atomic.Bool

	session Session
}

// New returns an agent in SUBSCRIBE. logger and events may be nil.
func New(cfg Config, proto Protocol, lc Lifecycle, q *queue.Queue, logger *slog.Logger, events *eventlog.Log) (*Agent, error) {
	if err := cfg.Tunables.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tunables: %w", err)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.PushRetries <= 0 {
		cfg.PushRetries = defaultPushRetries
	}
	logger = logging.OrDiscard(logger)

	a := &Agent{
		cfg:    cfg,
		proto:  proto,
		lc:     lc,
		queue:  q,
		base:   logger,
		logger: logger,
		events: events,
		now:    time.Now,
		detect: DiscoverAddress,
	}
	t := cfg.Tunables
	a.tunables.Store(&t)
	a.session = Session{
		State:        StateSubscribe,
		NextDeadline: a.now().Add(t.Interval),
	}
	a.events.Record("Starting")
	return a, nil
}

// SetTunables replaces the detection tunables.
func (a *Agent) SetTunables(t Tunables) error {
	if err := t.Validate(); err != nil {
		return err
	}
	a.tunables.Store(&t)
	a.logger.Info("Detection tunables updated",
		"attempts", t.Detection.Attempts,
		"window", t.Detection.Window,
		"lines", t.Detection.Lines,
		"interval", t.Interval)
	return nil
}

// Tunables returns the current tunables.
func (a *Agent) Tunables() Tunables { return *a.tunables.Load() }

// Session returns a copy of the session. Only meaningful once Run returned.
func (a *Agent) Session() Session { return a.session }

// OnMessage queues an inbound message. It is the transport receive callback.
func (a *Agent) OnMessage(m message.Message) {
	if err := a.queue.Push(m); err != nil {
		a.events.Record("Error queueing message: queue is full",
			"performative", m.PerformativeName(),
			"conversation_id", m.ConversationID)
	}
}

// Run drives the state machine until FINALIZE. Cancelling ctx routes the
// session through UNSUBSCRIBE. It returns the error that ended the session,
// or nil when the session ended because ctx was cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.finished.Load() {
		return ErrFinished
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer a.running.Store(false)

	a.events.Record("Executing")
	a.logger.Info("Agent running", "agent", a.cfg.Name, "supervisor", a.cfg.Supervisor)

	for !a.session.State.Terminal() {
		if ctx.Err() != nil && a.session.State != StateUnsubscribe {
			a.logger.Info("Shutdown requested, cancelling subscription", "state", a.session.State.String())
			a.session.State = StateUnsubscribe
		}
		a.step(ctx)
	}

	a.finished.Store(true)
	a.events.Record("Ending")
	a.logger.Info("Agent finished", "agent", a.cfg.Name, "cause", a.session.Cause)
	return a.session.Cause
}

// step runs the handler of the current state and moves to the next one.
func (a *Agent) step(ctx context.Context) State {
	s := a.session.State
	a.logger.Debug("Entering state", "state", s.String())

	outcome, err := a.handle(ctx, s)
	if err != nil {
		a.logger.Error("State failed",
			"state", s.String(),
			"outcome", outcome.String(),
			"error", err)
		a.events.Record(fmt.Sprintf("An error occurred in the %s state", s), "error", err.Error())
	}
	if err != nil && a.session.Cause == nil && ctx.Err() == nil &&
		(outcome == Failed || outcome == Rejected) && s != StateUnsubscribe {
		a.session.Cause = fmt.Errorf("%s: %w", s, err)
	}

	next := Next(s, outcome)
	if next != s {
		a.logger.Debug("State transition", "from", s.String(), "to", next.String(), "outcome", outcome.String())
	}
	a.session.State = next
	return next
}

func (a *Agent) handle(ctx context.Context, s State) (Outcome, error) {
	switch s {
	case StateSubscribe:
		return a.subscribe(ctx)
	case StateCheckLog:
		return a.checkLog(ctx)
	case StateReallow:
		return result(a.lc.Reallow(ctx))
	case StateBan:
		return result(a.lc.Ban(ctx))
	case StateSend:
		return a.send(ctx)
	case StateWait:
		return a.wait(ctx)
	case StateHandlePush:
		return a.handlePush(ctx)
	case StateUnsubscribe:
		return a.unsubscribe(ctx)
	}
	return Failed, fmt.Errorf("no handler for state %s", s)
}

func result(err error) (Outcome, error) {
	if err != nil {
		return Failed, err
	}
	return Succeeded, nil
}

func (a *Agent) subscribe(ctx context.Context) (Outcome, error) {
	self := a.cfg.SelfAddress
	if self == "" {
		var err error
		if self, err = a.detect(); err != nil {
			return Failed, err
		}
		a.logger.Debug("Discovered self address", "ip", self)
	}

	conv, err := a.proto.Subscribe(ctx, self)
	if errors.Is(err, protocol.ErrRejected) {
		return Rejected, err
	}
	if err != nil {
		return Failed, err
	}
	a.session.ConversationID = conv
	a.logger = logging.WithConversation(a.base, conv, a.cfg.Supervisor)
	return Succeeded, nil
}

func (a *Agent) checkLog(ctx context.Context) (Outcome, error) {
	t := a.Tunables()
	d, err := a.lc.CheckLog(ctx, t.Detection)
	if err != nil {
		return Failed, err
	}
	if len(d.Banned) > 0 || len(d.Deferred) > 0 {
		a.logger.Info("Detection cycle",
			"attackers", len(d.Attackers),
			"banned", d.Banned,
			"deferred", d.Deferred)
	}
	return Succeeded, nil
}

// send reports pending attackers. The pending records are kept unless the
// supervisor acknowledges them.
func (a *Agent) send(ctx context.Context) (Outcome, error) {
	attackers, err := a.lc.PendingReport()
	if err != nil {
		return Failed, err
	}
	if len(attackers) == 0 {
		return Succeeded, nil
	}

	replyWith, err := a.proto.SendReport(ctx, a.session.ConversationID, attackers)
	if err != nil {
		return Failed, err
	}
	a.session.PendingReplyID = replyWith
	err = a.proto.AwaitReport(ctx, a.session.ConversationID, replyWith)
	a.session.PendingReplyID = ""
	if err != nil {
		return Failed, err
	}
	if err := a.lc.ClearReport(); err != nil {
		return Failed, err
	}
	a.logger.Info("Attackers reported", "count", len(attackers))
	return Succeeded, nil
}

// wait returns MessageArrived as soon as a message is queued, or Succeeded
// once the deadline passes. The deadline only moves when it elapses, so
// handling a block command does not postpone the next detection cycle.
func (a *Agent) wait(ctx context.Context) (Outcome, error) {
	if a.queue.Wait(ctx, a.session.NextDeadline) {
		return MessageArrived, nil
	}
	if err := ctx.Err(); err != nil {
		return Failed, err
	}
	a.session.NextDeadline = a.now().Add(a.Tunables().Interval)
	return Succeeded, nil
}

func (a *Agent) handlePush(ctx context.Context) (Outcome, error) {
	if a.session.push == nil {
		m, err := a.queue.Pop()
		if errors.Is(err, queue.ErrEmpty) {
			return Succeeded, nil
		}
		if err != nil {
			return Failed, err
		}
		a.session.push = &m
	}
	m := *a.session.push
	conv := a.session.ConversationID

	ips, rej := protocol.ValidatePush(m, conv)
	if rej != nil {
		a.clearPush()
		if err := a.proto.RejectPush(ctx, m, conv, rej); err != nil {
			return Succeeded, fmt.Errorf("reply to rejected block command: %w", err)
		}
		return Succeeded, nil
	}

	if err := a.lc.BlockPushed(ctx, ips); err != nil {
		return a.pushFailed(ctx, err)
	}
	if err := a.proto.AcceptPush(ctx, m, conv); err != nil {
		return a.pushFailed(ctx, err)
	}
	a.logger.Info("Block command applied", "ips", ips, "reply_with", m.ReplyWith)
	a.clearPush()
	return Succeeded, nil
}

// pushFailed keeps the block command for another attempt until the retry
// budget is spent.
func (a *Agent) pushFailed(ctx context.Context, err error) (Outcome, error) {
	a.session.pushFailures++
	if ctx.Err() != nil || a.session.pushFailures >= a.cfg.PushRetries {
		a.clearPush()
		return Failed, err
	}
	return Retry, err
}

func (a *Agent) clearPush() {
	a.session.push = nil
	a.session.pushFailures = 0
}

func (a *Agent) unsubscribe(ctx context.Context) (Outcome, error) {
	conv := a.session.ConversationID
	if conv == "" {
		a.logger.Debug("No active subscription to cancel")
		return Succeeded, nil
	}

	// The run context may already be cancelled; the cancel exchange gets
	// its own bounded budget.
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := a.proto.Unsubscribe(uctx, conv); err != nil {
		return Failed, err
	}
	return Succeeded, nil
}
