// Package message defines the performative-tagged messages exchanged between
// the agent and its supervisor, and their JSON wire encoding.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Performative is the speech-act tag of a message.
type Performative int

const (
	Unknown Performative = iota
	Subscribe
	Cancel
	Request
	Inform
	Agree
	NotUnderstood
	Refuse
	Failure
)

var performativeNames = map[Performative]string{
	Unknown:       "UNKNOWN",
	Subscribe:     "SUBSCRIBE",
	Cancel:        "CANCEL",
	Request:       "REQUEST",
	Inform:        "INFORM",
	Agree:         "AGREE",
	NotUnderstood: "NOT_UNDERSTOOD",
	Refuse:        "REFUSE",
	Failure:       "FAILURE",
}

func (p Performative) String() string {
	if name, ok := performativeNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Performative(%d)", int(p))
}

// ParsePerformative maps a wire name (case-insensitive, '-' or '_' separated)
// to a Performative.
func ParsePerformative(s string) (Performative, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for p, name := range performativeNames {
		if name == norm && p != Unknown {
			return p, nil
		}
	}
	return Unknown, fmt.Errorf("unknown performative %q", s)
}

// MarshalJSON encodes the performative as its wire name.
func (p Performative) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a wire name. Names outside the known set decode to
// Unknown so the message still reaches the protocol checks.
func (p *Performative) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePerformative(s)
	if err != nil {
		parsed = Unknown
	}
	*p = parsed
	return nil
}

// Message is one protocol message.
type Message struct {
	Performative   Performative `json:"performative"`
	Sender         string       `json:"sender,omitempty"`
	Receiver       string       `json:"receiver,omitempty"`
	ConversationID string       `json:"conversation_id,omitempty"`
	ReplyWith      string       `json:"reply_with,omitempty"`
	InReplyTo      string       `json:"in_reply_to,omitempty"`
	Content        Payload      `json:"content,omitempty"`

	// RawPerformative is the wire name of an Unknown performative.
	RawPerformative string `json:"-"`
}

// UnmarshalJSON decodes m, keeping the wire name of a performative this
// agent does not know.
func (m *Message) UnmarshalJSON(data []byte) error {
	type wire Message
	aux := struct {
		*wire
		Performative string `json:"performative"`
	}{wire: (*wire)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p, err := ParsePerformative(aux.Performative)
	if err != nil {
		m.Performative, m.RawPerformative = Unknown, aux.Performative
		return nil
	}
	m.Performative, m.RawPerformative = p, ""
	return nil
}

// PerformativeName returns the performative as it appeared on the wire.
func (m Message) PerformativeName() string {
	if m.Performative == Unknown && m.RawPerformative != "" {
		return m.RawPerformative
	}
	return m.Performative.String()
}

// Reply builds an answer to m: same conversation, InReplyTo set to m.ReplyWith,
// sender and receiver swapped.
func (m Message) Reply(p Performative, content Payload) Message {
	return Message{
		Performative:   p,
		Sender:         m.Receiver,
		Receiver:       m.Sender,
		ConversationID: m.ConversationID,
		InReplyTo:      m.ReplyWith,
		Content:        content,
	}
}

// NewID returns a fresh identifier for conversations and correlation.
func NewID() string {
	return uuid.NewString()
}

// Marshal encodes m for the wire.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a wire message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
