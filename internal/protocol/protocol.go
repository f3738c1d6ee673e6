// Package protocol implements the agent side of the supervisor dialogue:
// subscription, cancellation, attacker reports and inbound block commands.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/inercia/sshwarden/internal/eventlog"
	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/message"
	"github.com/inercia/sshwarden/internal/queue"
)

var (
	// ErrRejected is returned when the supervisor explicitly refuses a request.
	ErrRejected = errors.New("rejected by supervisor")
	// ErrUnexpectedReply is returned when a reply does not match the request
	// it answers (performative, conversation or correlation id).
	ErrUnexpectedReply = errors.New("unexpected reply from supervisor")
	// ErrReplyTimeout is returned when the configured reply timeout elapses.
	ErrReplyTimeout = errors.New("timed out waiting for supervisor reply")
)

// Sender delivers one message to the supervisor.
type Sender interface {
	Send(ctx context.Context, m message.Message) error
}

// Config identifies both ends of the dialogue.
type Config struct {
	// Agent is this agent's name, used as sender.
	Agent string
	// Supervisor is the supervisor's name, used as receiver.
	Supervisor string
	// ReplyTimeout bounds every wait for a reply. Zero waits forever.
	ReplyTimeout time.Duration
}

// Handler builds, sends and matches protocol messages. Replies are read
// from the inbound queue shared with the transport's receive callback.
type Handler struct {
	sender Sender
	queue  *queue.Queue
	cfg    Config
	logger *slog.Logger
	events *eventlog.Log
}

// New returns a handler. logger and events may be nil.
func New(sender Sender, q *queue.Queue, cfg Config, logger *slog.Logger, events *eventlog.Log) *Handler {
	return &Handler{
		sender: sender,
		queue:  q,
		cfg:    cfg,
		logger: logging.OrDiscard(logger),
		events: events,
	}
}

// Config returns the handler configuration.
func (h *Handler) Config() Config { return h.cfg }

func (h *Handler) deadline() time.Time {
	if h.cfg.ReplyTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(h.cfg.ReplyTimeout)
}

func (h *Handler) send(ctx context.Context, m message.Message) error {
	m.Sender = h.cfg.Agent
	if m.Receiver == "" {
		m.Receiver = h.cfg.Supervisor
	}
	if err := h.sender.Send(ctx, m); err != nil {
		return fmt.Errorf("send %s: %w", m.Performative, err)
	}
	h.logger.Debug("Sent message",
		"performative", m.Performative.String(),
		"conversation_id", m.ConversationID,
		"reply_with", m.ReplyWith)
	return nil
}

// awaitVerdict pops messages until decide reports a verdict. Messages for
// which decide has no opinion are discarded.
func (h *Handler) awaitVerdict(ctx context.Context, what string, decide func(message.Message) (decided, accepted bool)) (message.Message, error) {
	deadline := h.deadline()
	for {
		m, err := h.queue.PopWait(ctx, deadline)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				return message.Message{}, fmt.Errorf("%s: %w", what, ErrReplyTimeout)
			}
			return message.Message{}, fmt.Errorf("%s: %w", what, err)
		}
		decided, accepted := decide(m)
		if !decided {
			h.logger.Debug("Discarding unrelated message while waiting for reply",
				"waiting_for", what,
				"performative", m.Performative.String(),
				"conversation_id", m.ConversationID)
			continue
		}
		if !accepted {
			return m, fmt.Errorf("%s: %w", what, ErrRejected)
		}
		return m, nil
	}
}

// verdict classifies m as a reply carrying okField or failField. A reply
// correlated to another request is never a verdict.
func verdict(m message.Message, replyWith, okField, failField string) (decided, accepted bool) {
	if m.InReplyTo != "" && m.InReplyTo != replyWith {
		return false, false
	}
	switch {
	case m.Content.Has(failField):
		return true, false
	case m.Content.Has(okField):
		return true, m.Performative == message.Inform || m.Performative == message.Agree
	case m.InReplyTo == replyWith && isNegative(m.Performative):
		return true, false
	}
	return false, false
}

func isNegative(p message.Performative) bool {
	return p == message.Refuse || p == message.Failure || p == message.NotUnderstood
}

// Subscribe asks the supervisor to join the SSH authentications task and
// returns the conversation id it assigns. An explicit refusal returns
// ErrRejected; the caller should terminate without cancelling.
func (h *Handler) Subscribe(ctx context.Context, selfAddress string) (string, error) {
	replyWith := message.NewID()
	req := message.Message{
		Performative:   message.Subscribe,
		ConversationID: message.NewID(),
		ReplyWith:      replyWith,
		Content:        message.SubscribePayload(selfAddress),
	}
	if err := h.send(ctx, req); err != nil {
		return "", err
	}

	reply, err := h.awaitVerdict(ctx, "subscribe", func(m message.Message) (bool, bool) {
		return verdict(m, replyWith, message.FieldSubscribe, message.FieldNotSubscribed)
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			reason, _ := reply.Content.String(message.FieldNotSubscribed)
			h.logger.Warn("Subscription refused", "supervisor", h.cfg.Supervisor, "reason", reason)
			h.events.Record("Subscribing to the supervisor failed", "supervisor", h.cfg.Supervisor, "reason", reason)
		}
		return "", err
	}

	conversationID := reply.ConversationID
	if conversationID == "" {
		conversationID = req.ConversationID
	}
	h.logger.Info("Subscribed to supervisor", "supervisor", h.cfg.Supervisor, "conversation_id", conversationID)
	h.events.Record("Subscribing successful", "supervisor", h.cfg.Supervisor, "conversation_id", conversationID)
	return conversationID, nil
}

// Unsubscribe cancels the subscription in conversationID and waits for the
// supervisor's answer. Unrelated messages are discarded while waiting.
func (h *Handler) Unsubscribe(ctx context.Context, conversationID string) error {
	replyWith := message.NewID()
	req := message.Message{
		Performative:   message.Cancel,
		ConversationID: conversationID,
		ReplyWith:      replyWith,
		Content:        message.CancelPayload(),
	}
	if err := h.send(ctx, req); err != nil {
		h.events.Record("Cancelling the subscription failed", "error", err.Error())
		return err
	}

	reply, err := h.awaitVerdict(ctx, "cancel", func(m message.Message) (bool, bool) {
		return verdict(m, replyWith, message.FieldCancel, message.FieldNotCancelled)
	})
	if err != nil {
		reason, _ := reply.Content.String(message.FieldNotCancelled)
		h.logger.Warn("Cancelling subscription failed", "supervisor", h.cfg.Supervisor, "reason", reason, "error", err)
		h.events.Record("Cancelling the subscription failed", "supervisor", h.cfg.Supervisor, "error", err.Error())
		return err
	}
	h.logger.Info("Subscription cancelled", "supervisor", h.cfg.Supervisor)
	h.events.Record("The subscription has been successfully cancelled", "supervisor", h.cfg.Supervisor)
	return nil
}

// Report sends attackers and waits for the acknowledgement. Empty input is
// a successful no-op. On nil error the caller may clear its pending records.
func (h *Handler) Report(ctx context.Context, conversationID string, attackers []message.Attacker) error {
	if len(attackers) == 0 {
		return nil
	}
	replyWith, err := h.SendReport(ctx, conversationID, attackers)
	if err != nil {
		return err
	}
	return h.AwaitReport(ctx, conversationID, replyWith)
}

// SendReport sends the report request and returns its correlation id.
func (h *Handler) SendReport(ctx context.Context, conversationID string, attackers []message.Attacker) (string, error) {
	replyWith := message.NewID()
	req := message.Message{
		Performative:   message.Request,
		ConversationID: conversationID,
		ReplyWith:      replyWith,
		Content:        message.ReportPayload(attackers),
	}
	if err := h.send(ctx, req); err != nil {
		return "", err
	}
	return replyWith, nil
}

// isReportReply reports whether m answers a report. Other messages, such as
// block commands arriving meanwhile, stay queued in order.
func isReportReply(m message.Message, replyWith string) bool {
	if m.Content.Has(message.FieldRegistration) || m.Content.Has(message.FieldNotRegistered) {
		return true
	}
	return m.InReplyTo != "" && m.InReplyTo == replyWith
}

// AwaitReport waits for the reply to the report correlated by replyWith. The
// reply is accepted only if it is an INFORM in conversationID answering
// replyWith.
func (h *Handler) AwaitReport(ctx context.Context, conversationID, replyWith string) error {
	reply, err := h.queue.Take(ctx, h.deadline(), func(m message.Message) bool {
		return isReportReply(m, replyWith)
	})
	if err != nil {
		if errors.Is(err, queue.ErrTimeout) {
			err = ErrReplyTimeout
		}
		h.events.Record("Error sending attackers to the supervisor", "error", err.Error())
		return fmt.Errorf("report: %w", err)
	}

	if reply.Performative != message.Inform ||
		reply.ConversationID != conversationID ||
		reply.InReplyTo != replyWith {
		h.logger.Warn("Unexpected report reply",
			"performative", reply.Performative.String(),
			"conversation_id", reply.ConversationID,
			"in_reply_to", reply.InReplyTo,
			"want_conversation_id", conversationID,
			"want_in_reply_to", replyWith)
		h.events.Record("Unexpected message from the supervisor", "supervisor", h.cfg.Supervisor)
		if reason, ok := reply.Content.String(message.FieldNotRegistered); ok {
			return fmt.Errorf("report: %w: %s", ErrRejected, reason)
		}
		return fmt.Errorf("report: %w", ErrUnexpectedReply)
	}
	if reply.Content.Has(message.FieldNotRegistered) {
		reason, _ := reply.Content.String(message.FieldNotRegistered)
		h.events.Record("Attackers not registered by the supervisor", "reason", reason)
		return fmt.Errorf("report: %w: %s", ErrRejected, reason)
	}

	h.logger.Info("Report acknowledged", "conversation_id", conversationID, "reply_with", replyWith)
	h.events.Record("Successful sending attackers to the supervisor", "supervisor", h.cfg.Supervisor)
	return nil
}
