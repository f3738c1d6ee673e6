package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inercia/sshwarden/internal/config"
	"github.com/inercia/sshwarden/internal/message"
	"github.com/inercia/sshwarden/internal/registry"
	"github.com/inercia/sshwarden/internal/transport"
)

// mailboxSupervisor answers the agent through the shared mailbox database.
// After acknowledging the first report it pushes one address to block.
type mailboxSupervisor struct {
	t      *testing.T
	box    *transport.Mailbox
	pushIP string

	mu       sync.Mutex
	received []message.Message
	pushed   bool
	answered chan struct{}
}

func (s *mailboxSupervisor) handle(m message.Message) {
	s.mu.Lock()
	s.received = append(s.received, m)
	s.mu.Unlock()

	switch {
	case m.Performative == message.Subscribe:
		s.send(m.Reply(message.Inform, message.Payload{message.FieldSubscribe: "ok"}))
	case m.Performative == message.Cancel:
		s.send(m.Reply(message.Agree, message.Payload{message.FieldCancel: "ok"}))
	case m.Performative == message.Request && m.Content.Has(message.FieldAttackers):
		s.send(m.Reply(message.Inform, message.Payload{message.FieldRegistration: "ok"}))
		s.mu.Lock()
		first := !s.pushed
		s.pushed = true
		s.mu.Unlock()
		if first {
			s.send(message.Message{
				Performative:   message.Request,
				Sender:         m.Receiver,
				Receiver:       m.Sender,
				ConversationID: m.ConversationID,
				ReplyWith:      "push-1",
				Content:        message.Payload{message.FieldBlockIPs: []any{s.pushIP}},
			})
		}
	case m.InReplyTo == "push-1":
		close(s.answered)
	}
}

func (s *mailboxSupervisor) send(m message.Message) {
	if err := s.box.Send(context.Background(), m); err != nil {
		s.t.Errorf("supervisor Send() error = %v", err)
	}
}

func (s *mailboxSupervisor) performatives() []message.Performative {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Performative, len(s.received))
	for i, m := range s.received {
		out[i] = m.Performative
	}
	return out
}

func TestDaemon_MailboxSession(t *testing.T) {
	dir := t.TempDir()
	authLog := filepath.Join(dir, "auth.log")
	now := time.Now()
	var lines []string
	for i := 3; i > 0; i-- {
		ts := now.Add(-time.Duration(i) * time.Second).Format(time.Stamp)
		lines = append(lines, fmt.Sprintf("%s host sshd[%d]: Failed password for root from 203.0.113.5 port 5112%d ssh2", ts, 100+i, i))
	}
	if err := os.WriteFile(authLog, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := config.Default()
	c.Agent.SelfAddress = "192.0.2.10"
	c.Detection.AuthLog = authLog
	c.Detection.Interval = time.Minute
	c.Registry.Dir = filepath.Join(dir, "registry")
	c.Firewall.DryRun = true
	c.Transport.Kind = "mailbox"
	c.Transport.MailboxPath = filepath.Join(dir, "mailbox.db")
	c.Transport.PollInterval = 20 * time.Millisecond
	c.Supervisor.ShutdownTimeout = 5 * time.Second
	c.Log.EventLog = filepath.Join(dir, "events.log")
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	box, err := transport.OpenMailbox(transport.MailboxConfig{
		Path:         c.Transport.MailboxPath,
		Agent:        c.Supervisor.Name,
		PollInterval: 20 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close()
	sup := &mailboxSupervisor{t: t, box: box, pushIP: "198.51.100.9", answered: make(chan struct{})}
	if err := box.Start(context.Background(), sup.handle); err != nil {
		t.Fatal(err)
	}

	d, err := newDaemon(c)
	if err != nil {
		t.Fatalf("newDaemon() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	select {
	case <-sup.answered:
	case err := <-done:
		t.Fatalf("run() returned early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatalf("push not answered; supervisor saw %v", sup.performatives())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil after cancellation", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	got := sup.performatives()
	if len(got) == 0 || got[0] != message.Subscribe || got[len(got)-1] != message.Cancel {
		t.Errorf("supervisor saw %v, want subscribe first and cancel last", got)
	}

	store, err := registry.Open("file", c.Registry.Dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	home, err := store.Home("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if home == "" {
		t.Error("attacker is in no lifecycle registry after the cycle")
	}
	if home, _ := store.Home("198.51.100.9"); home != registry.Wait {
		t.Errorf("pushed address home = %q, want %q", home, registry.Wait)
	}
	if recs, _ := store.Content(registry.ToSend); len(recs) != 0 {
		t.Errorf("to-send = %+v, want empty after the acknowledged report", recs)
	}

	events, err := os.ReadFile(c.Log.EventLog)
	if err != nil {
		t.Fatal(err)
	}
	for _, status := range []string{"Starting", "Executing", "Ending"} {
		if !strings.Contains(string(events), status) {
			t.Errorf("event log missing %q:\n%s", status, events)
		}
	}
}

func TestNewDaemon_ClosesOnError(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Registry.Dir = filepath.Join(dir, "registry")
	c.Transport.URL = "ws://127.0.0.1:1/agents"
	c.Firewall.BlockCommand = "iptables -I INPUT -j DROP" // no {ip}

	if _, err := newDaemon(c); err == nil {
		t.Fatal("newDaemon() accepted a block command without {ip}")
	}
}

func TestDaemon_ApplyDetection(t *testing.T) {
	dir := t.TempDir()
	c := config.Default()
	c.Registry.Dir = filepath.Join(dir, "registry")
	c.Transport.URL = "ws://127.0.0.1:1/agents"
	d, err := newDaemon(c)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	dc := c.Detection
	dc.Attempts, dc.Window, dc.Interval = 10, 5*time.Minute, 0
	if err := d.applyDetection(dc); err != nil {
		t.Fatalf("applyDetection() error = %v", err)
	}
	got := d.agent.Tunables()
	if got.Detection.Attempts != 10 || got.Interval != 5*time.Minute {
		t.Errorf("Tunables() = %+v", got)
	}

	dc.Whitelist = []string{"not-an-ip"}
	if err := d.applyDetection(dc); err == nil {
		t.Error("applyDetection() accepted a bad whitelist")
	}
	dc.Whitelist, dc.Attempts = nil, 0
	if err := d.applyDetection(dc); err == nil {
		t.Error("applyDetection() accepted attempts 0")
	}
	if got := d.agent.Tunables().Detection.Attempts; got != 10 {
		t.Errorf("attempts = %d after rejected updates, want 10", got)
	}
}
