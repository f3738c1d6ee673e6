package firewall

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

type call struct {
	command string
	args    []string
}

type fakeExecutor struct {
	calls []call
	err   error
	out   string
}

func (f *fakeExecutor) Run(_ context.Context, command string, args []string) ([]byte, error) {
	f.calls = append(f.calls, call{command: command, args: args})
	return []byte(f.out), f.err
}

func TestParseTemplate(t *testing.T) {
	tests := []struct {
		name        string
		command     string
		wantArgs    []string
		errContains string
	}{
		{
			name:     "default block",
			command:  DefaultBlockCommand,
			wantArgs: []string{"/sbin/iptables", "-I", "INPUT", "-s", "{ip}", "-j", "DROP"},
		},
		{
			name:     "quoted comment",
			command:  `iptables -I INPUT -s {ip} -j DROP -m comment --comment "ssh warden"`,
			wantArgs: []string{"iptables", "-I", "INPUT", "-s", "{ip}", "-j", "DROP", "-m", "comment", "--comment", "ssh warden"},
		},
		{
			name:     "placeholder inside token",
			command:  "nft add element inet filter blocked {{ip}}",
			wantArgs: []string{"nft", "add", "element", "inet", "filter", "blocked", "{{ip}}"},
		},
		{name: "empty", command: "   ", errContains: "empty command"},
		{name: "unclosed quote", command: `iptables "-I`, errContains: "failed to parse"},
		{name: "no placeholder", command: "iptables -F", errContains: "does not reference"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTemplate(tt.command)
			if tt.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errContains) {
					t.Fatalf("ParseTemplate() error = %v, want containing %q", err, tt.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTemplate() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.wantArgs) {
				t.Errorf("ParseTemplate() = %q, want %q", got, tt.wantArgs)
			}
		})
	}
}

func TestRender_NoArgumentInjection(t *testing.T) {
	tmpl, _ := ParseTemplate(DefaultBlockCommand)
	got := Render(tmpl, "1.2.3.4 -j ACCEPT")
	if len(got) != len(tmpl) {
		t.Errorf("Render() changed argument count: %q", got)
	}
}

func TestIptables_BlockUnblock(t *testing.T) {
	ex := &fakeExecutor{}
	fw, err := New(Config{}, ex, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := fw.Block(context.Background(), "203.0.113.9"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if err := fw.Unblock(context.Background(), "203.0.113.9"); err != nil {
		t.Fatalf("Unblock() error = %v", err)
	}

	want := []call{
		{"/sbin/iptables", []string{"-I", "INPUT", "-s", "203.0.113.9", "-j", "DROP"}},
		{"/sbin/iptables", []string{"-D", "INPUT", "-s", "203.0.113.9", "-j", "DROP"}},
	}
	if !reflect.DeepEqual(ex.calls, want) {
		t.Errorf("calls = %+v, want %+v", ex.calls, want)
	}
}

func TestIptables_RejectsInvalidAddress(t *testing.T) {
	ex := &fakeExecutor{}
	fw, _ := New(Config{}, ex, nil)

	err := fw.Block(context.Background(), "1.2.3.4; rm -rf /")
	if !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Block() error = %v, want ErrInvalidAddress", err)
	}
	if len(ex.calls) != 0 {
		t.Errorf("no command should run for an invalid address, got %+v", ex.calls)
	}
}

func TestIptables_CommandFailureReported(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ex := &fakeExecutor{err: errors.New("exit status 1"), out: "iptables: Bad rule (does a matching rule exist in that chain?)."}
	fw, _ := New(Config{}, ex, logger)

	if err := fw.Unblock(context.Background(), "192.0.2.3"); err == nil {
		t.Fatal("Unblock() should report the command failure")
	}
	if !strings.Contains(buf.String(), "Bad rule") {
		t.Errorf("failure should be logged with command output, got: %s", buf.String())
	}
}

func TestIptables_DryRun(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	fw, err := New(Config{DryRun: true}, nil, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := fw.Block(context.Background(), "2001:db8::1"); err != nil {
		t.Fatalf("Block() error = %v", err)
	}
	if !strings.Contains(buf.String(), "-s 2001:db8::1") {
		t.Errorf("dry run should log the rendered command, got: %s", buf.String())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Error("New() without executor should fail unless dry run")
	}
	if _, err := New(Config{BlockCommand: "iptables -F"}, &fakeExecutor{}, nil); err == nil {
		t.Error("New() should reject a template without placeholder")
	}
}
