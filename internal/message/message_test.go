package message

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParsePerformative(t *testing.T) {
	tests := []struct {
		in      string
		want    Performative
		wantErr bool
	}{
		{"REQUEST", Request, false},
		{"inform", Inform, false},
		{"not-understood", NotUnderstood, false},
		{"NOT_UNDERSTOOD", NotUnderstood, false},
		{" agree ", Agree, false},
		{"UNKNOWN", Unknown, true},
		{"shout", Unknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePerformative(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePerformative(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParsePerformative(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessage_WireFormat(t *testing.T) {
	m := Message{
		Performative:   Request,
		Sender:         "ssh-agent",
		Receiver:       "supervisor",
		ConversationID: "conv-1",
		ReplyWith:      "r-1",
		Content:        Payload{FieldBlockIPs: []string{"10.0.0.1"}},
	}
	data, err := Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"performative":"REQUEST"`) {
		t.Errorf("performative should be encoded by name: %s", data)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Performative != Request || got.ConversationID != "conv-1" || got.ReplyWith != "r-1" {
		t.Errorf("Unmarshal() = %+v", got)
	}
	ips, ok := got.Content.List(FieldBlockIPs)
	if !ok || len(ips) != 1 || ips[0] != "10.0.0.1" {
		t.Errorf("block IPs = %v, %v", ips, ok)
	}
}

func TestUnmarshal_UnknownPerformative(t *testing.T) {
	tests := []string{"PROPOSE", "QUERY_IF", "CFP", ""}
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			data := []byte(`{"performative":"` + name + `","conversation_id":"conv-1","content":{"block IPs":["192.0.2.1"]}}`)
			got, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if got.Performative != Unknown {
				t.Errorf("Performative = %v, want UNKNOWN", got.Performative)
			}
			if name != "" && got.PerformativeName() != name {
				t.Errorf("PerformativeName() = %q, want %q", got.PerformativeName(), name)
			}
			if got.ConversationID != "conv-1" || !got.Content.Has(FieldBlockIPs) {
				t.Errorf("remaining fields lost: %+v", got)
			}
		})
	}

	if _, err := Unmarshal([]byte(`{"performative":7}`)); err == nil {
		t.Error("Unmarshal() should reject a non-string performative")
	}
}

func TestReply(t *testing.T) {
	req := Message{
		Performative:   Request,
		Sender:         "supervisor",
		Receiver:       "agent",
		ConversationID: "conv-9",
		ReplyWith:      "corr-9",
	}
	rep := req.Reply(Inform, PushAcceptedPayload())
	if rep.Sender != "agent" || rep.Receiver != "supervisor" {
		t.Errorf("Reply() endpoints = %q -> %q", rep.Sender, rep.Receiver)
	}
	if rep.ConversationID != "conv-9" || rep.InReplyTo != "corr-9" {
		t.Errorf("Reply() ids = %q / %q", rep.ConversationID, rep.InReplyTo)
	}
	if s, _ := rep.Content.String(FieldBlockIPs); s != "ok" {
		t.Errorf("Reply() content = %v", rep.Content)
	}
}

func TestReportPayload(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)
	p := ReportPayload([]Attacker{{IP: "192.0.2.7", Dates: []time.Time{t1, t2}}})

	data, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"SSH IP attackers":[{"attack dates":["2026-03-01T10:00:00Z","2026-03-01T10:00:05Z"],"ip":"192.0.2.7"}]}`
	if string(data) != want {
		t.Errorf("ReportPayload() = %s, want %s", data, want)
	}
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{"a": "x", "b": 3, "c": []any{"1", 2}}
	if !p.Has("a") || p.Has("z") {
		t.Error("Has() mismatch")
	}
	if s, ok := p.String("a"); !ok || s != "x" {
		t.Errorf("String(a) = %q, %v", s, ok)
	}
	if _, ok := p.String("b"); ok {
		t.Error("String(b) should fail for non-string")
	}
	if l, ok := p.List("c"); !ok || len(l) != 2 {
		t.Errorf("List(c) = %v, %v", l, ok)
	}
	if _, ok := p.List("a"); ok {
		t.Error("List(a) should fail for non-list")
	}
}

func TestNewID_Unique(t *testing.T) {
	if NewID() == NewID() {
		t.Error("NewID() returned duplicate ids")
	}
}
