package message

import "time"

// Payload field names. They are part of the wire contract with the supervisor.
const (
	FieldTask             = "task"
	FieldIP               = "IP"
	FieldAttackers        = "SSH IP attackers"
	FieldAttackerIP       = "ip"
	FieldAttackDates      = "attack dates"
	FieldBlockIPs         = "block IPs"
	FieldNotPrevented     = "not prevented reason"
	FieldSubscribe        = "subscribe"
	FieldNotSubscribed    = "not subscribed reason"
	FieldCancel           = "cancel"
	FieldNotCancelled     = "not cancelled reason"
	FieldRegistration     = "registration"
	FieldNotRegistered    = "not registered reason"
	TaskSSHAuthentication = "SSH authentications"
)

// DateLayout is the timestamp layout used for attack dates on the wire.
const DateLayout = time.RFC3339

// Payload is the field/value content of a message.
type Payload map[string]any

// Has reports whether field is present.
func (p Payload) Has(field string) bool {
	_, ok := p[field]
	return ok
}

// String returns field as a string.
func (p Payload) String(field string) (string, bool) {
	v, ok := p[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// List returns field as a list of raw values. Typed string slices are
// accepted so locally built payloads behave like decoded ones.
func (p Payload) List(field string) ([]any, bool) {
	switch v := p[field].(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

// Attacker is one entry of a report payload.
type Attacker struct {
	IP    string
	Dates []time.Time
}

// SubscribePayload is sent to join the supervisor's task.
func SubscribePayload(selfAddress string) Payload {
	return Payload{FieldTask: TaskSSHAuthentication, FieldIP: selfAddress}
}

// CancelPayload is sent to leave the supervisor's task.
func CancelPayload() Payload {
	return Payload{FieldTask: TaskSSHAuthentication}
}

// ReportPayload lists attackers and their attempt dates.
func ReportPayload(attackers []Attacker) Payload {
	list := make([]any, 0, len(attackers))
	for _, a := range attackers {
		dates := make([]any, 0, len(a.Dates))
		for _, d := range a.Dates {
			dates = append(dates, d.Format(DateLayout))
		}
		list = append(list, map[string]any{
			FieldAttackerIP:  a.IP,
			FieldAttackDates: dates,
		})
	}
	return Payload{FieldAttackers: list}
}

// PushAcceptedPayload acknowledges a block command.
func PushAcceptedPayload() Payload {
	return Payload{FieldBlockIPs: "ok"}
}

// PushRejectedPayload explains why a block command was not applied.
func PushRejectedPayload(reason string) Payload {
	return Payload{FieldNotPrevented: reason}
}
