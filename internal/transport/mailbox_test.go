package transport

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inercia/sshwarden/internal/message"
)

type collector struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collector) handle(m message.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) all() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Message(nil), c.msgs...)
}

func openMailbox(t *testing.T, path, agent string) *Mailbox {
	t.Helper()
	// A long poll interval keeps delivery under the test's control.
	b, err := OpenMailbox(MailboxConfig{Path: path, Agent: agent, PollInterval: time.Hour}, nil)
	if err != nil {
		t.Fatalf("OpenMailbox(%s) error = %v", agent, err)
	}
	return b
}

func TestMailbox_Exchange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mailbox.db")
	agent := openMailbox(t, path, "ssh-agent")
	defer agent.Close()
	sup := openMailbox(t, path, "supervisor")

	var got collector
	if err := sup.Start(context.Background(), got.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx := context.Background()
	for i, p := range []message.Performative{message.Subscribe, message.Request} {
		m := message.Message{Performative: p, Sender: "ssh-agent", Receiver: "supervisor", ReplyWith: string(rune('a' + i))}
		if err := agent.Send(ctx, m); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	// Addressed to someone else.
	if err := agent.Send(ctx, message.Message{Performative: message.Inform, Receiver: "other"}); err != nil {
		t.Fatal(err)
	}

	// The poller may have delivered some already; Deliver drains the rest.
	if _, err := sup.Deliver(ctx); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	msgs := got.all()
	if len(msgs) != 2 {
		t.Fatalf("collected %+v, want 2 messages", msgs)
	}
	if msgs[0].Performative != message.Subscribe || msgs[1].Performative != message.Request {
		t.Errorf("delivery order = %v, %v", msgs[0].Performative, msgs[1].Performative)
	}

	if n, _ := sup.Deliver(ctx); n != 0 {
		t.Errorf("second Deliver() = %d, want 0", n)
	}

	// The cursor survives a restart.
	if err := sup.Close(); err != nil {
		t.Fatal(err)
	}
	again := openMailbox(t, path, "supervisor")
	defer again.Close()
	var after collector
	if err := again.Start(ctx, after.handle); err != nil {
		t.Fatal(err)
	}
	if n, _ := again.Deliver(ctx); n != 0 {
		t.Errorf("Deliver() after restart = %d, want 0", n)
	}
}

func TestMailbox_Errors(t *testing.T) {
	if _, err := OpenMailbox(MailboxConfig{Agent: "a"}, nil); err == nil {
		t.Error("OpenMailbox() without path should fail")
	}
	path := filepath.Join(t.TempDir(), "mailbox.db")
	if _, err := OpenMailbox(MailboxConfig{Path: path}, nil); err == nil {
		t.Error("OpenMailbox() without agent should fail")
	}

	b := openMailbox(t, path, "ssh-agent")
	if err := b.Send(context.Background(), message.Message{Performative: message.Inform}); err == nil {
		t.Error("Send() without receiver should fail")
	}
	if _, err := b.Deliver(context.Background()); err != ErrNotConnected {
		t.Errorf("Deliver() before Start error = %v, want ErrNotConnected", err)
	}
	_ = b.Close()
	if err := b.Send(context.Background(), message.Message{Receiver: "x"}); err != ErrClosed {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestNew(t *testing.T) {
	if _, err := New(Config{Kind: "carrier-pigeon"}, nil); err == nil {
		t.Error("unknown kind should fail")
	}
	if _, err := New(Config{Kind: "websocket"}, nil); err == nil {
		t.Error("websocket without URL should fail")
	}
	tr, err := New(Config{Kind: "mailbox", Agent: "ssh-agent", MailboxPath: filepath.Join(t.TempDir(), "m.db")}, nil)
	if err != nil {
		t.Fatalf("New(mailbox) error = %v", err)
	}
	if _, ok := tr.(*Mailbox); !ok {
		t.Errorf("New(mailbox) = %T", tr)
	}
	_ = tr.Close()
}
