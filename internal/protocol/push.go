package protocol

import (
	"context"
	"net/netip"

	"github.com/inercia/sshwarden/internal/message"
)

// Reasons a block command is not applied. They are sent verbatim in the
// "not prevented reason" field.
const (
	ReasonBadTask         = "BAD_TASK"
	ReasonBadPerformative = "BAD_PERFORMATIVE"
	ReasonBadConversation = "BAD_CONVERSATION"
	ReasonBadIP           = "BAD_IP"
)

// Rejection explains why a block command was refused.
type Rejection struct {
	Reason string
	// Detail is for logs only and never sent.
	Detail string
}

func (r *Rejection) String() string {
	if r.Detail == "" {
		return r.Reason
	}
	return r.Reason + ": " + r.Detail
}

// ValidatePush checks a block command against the active conversation. The
// checks run in a fixed order and the first failure decides the reason:
// missing block field, wrong performative, wrong conversation, bad address.
// On success it returns the canonical, de-duplicated addresses.
func ValidatePush(m message.Message, conversationID string) ([]string, *Rejection) {
	if !m.Content.Has(message.FieldBlockIPs) {
		return nil, &Rejection{Reason: ReasonBadTask, Detail: "missing " + message.FieldBlockIPs}
	}
	if m.Performative != message.Request {
		return nil, &Rejection{Reason: ReasonBadPerformative, Detail: m.PerformativeName()}
	}
	if m.ConversationID != conversationID {
		return nil, &Rejection{Reason: ReasonBadConversation, Detail: m.ConversationID}
	}

	raw, ok := m.Content.List(message.FieldBlockIPs)
	if !ok {
		return nil, &Rejection{Reason: ReasonBadIP, Detail: "not a list"}
	}
	seen := make(map[string]bool, len(raw))
	ips := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, &Rejection{Reason: ReasonBadIP, Detail: "non-string entry"}
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, &Rejection{Reason: ReasonBadIP, Detail: s}
		}
		ip := addr.Unmap().String()
		if !seen[ip] {
			seen[ip] = true
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// pushReply answers m in the active conversation.
func (h *Handler) pushReply(ctx context.Context, m message.Message, conversationID string, p message.Performative, content message.Payload) error {
	reply := m.Reply(p, content)
	reply.ConversationID = conversationID
	if reply.Receiver == "" {
		reply.Receiver = h.cfg.Supervisor
	}
	return h.send(ctx, reply)
}

// RejectPush answers m with NOT_UNDERSTOOD carrying the rejection reason.
func (h *Handler) RejectPush(ctx context.Context, m message.Message, conversationID string, rej *Rejection) error {
	h.logger.Warn("Block command rejected",
		"reason", rej.Reason,
		"detail", rej.Detail,
		"conversation_id", m.ConversationID,
		"reply_with", m.ReplyWith)
	h.events.Record("Error receiving block command from the supervisor", "reason", rej.Reason)
	return h.pushReply(ctx, m, conversationID, message.NotUnderstood, message.PushRejectedPayload(rej.Reason))
}

// AcceptPush answers m with INFORM {"block IPs": "ok"}.
func (h *Handler) AcceptPush(ctx context.Context, m message.Message, conversationID string) error {
	if err := h.pushReply(ctx, m, conversationID, message.Inform, message.PushAcceptedPayload()); err != nil {
		return err
	}
	h.events.Record("Successful blocking of addresses received from the supervisor")
	return nil
}
