// Package firewall installs and removes per-address DROP rules.
package firewall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/inercia/sshwarden/internal/logging"
)

// Placeholder is replaced by the address in command templates.
const Placeholder = "{ip}"

const (
	DefaultBlockCommand   = "/sbin/iptables -I INPUT -s {ip} -j DROP"
	DefaultUnblockCommand = "/sbin/iptables -D INPUT -s {ip} -j DROP"

	defaultCommandTimeout = 10 * time.Second
)

var ErrInvalidAddress = errors.New("invalid address")

// Firewall mutates the packet filter for one source address.
type Firewall interface {
	// Block inserts a DROP rule for ip at the head of the inbound chain.
	Block(ctx context.Context, ip string) error
	// Unblock deletes that exact rule. Deleting a missing rule is reported
	// as an error but is harmless.
	Unblock(ctx context.Context, ip string) error
}

// Executor runs one command to completion.
type Executor interface {
	Run(ctx context.Context, command string, args []string) ([]byte, error)
}

// Config holds the command templates.
type Config struct {
	BlockCommand   string
	UnblockCommand string
	// DryRun logs the rendered commands instead of running them.
	DryRun bool
	// Timeout bounds each command. Zero uses a default.
	Timeout time.Duration
}

// Verify Iptables implements Firewall at compile time.
var _ Firewall = (*Iptables)(nil)

// Iptables runs templated packet-filter commands.
type Iptables struct {
	block   []string
	unblock []string
	exec    Executor
	dryRun  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New parses the command templates. Empty templates use the iptables defaults.
func New(cfg Config, exec Executor, logger *slog.Logger) (*Iptables, error) {
	if cfg.BlockCommand == "" {
		cfg.BlockCommand = DefaultBlockCommand
	}
	if cfg.UnblockCommand == "" {
		cfg.UnblockCommand = DefaultUnblockCommand
	}
	block, err := ParseTemplate(cfg.BlockCommand)
	if err != nil {
		return nil, fmt.Errorf("block command: %w", err)
	}
	unblock, err := ParseTemplate(cfg.UnblockCommand)
	if err != nil {
		return nil, fmt.Errorf("unblock command: %w", err)
	}
	if exec == nil && !cfg.DryRun {
		return nil, errors.New("firewall: no command executor")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Iptables{
		block:   block,
		unblock: unblock,
		exec:    exec,
		dryRun:  cfg.DryRun,
		timeout: timeout,
		logger:  logging.OrDiscard(logger),
	}, nil
}

// ParseTemplate splits a command template with shell-aware tokenization and
// checks that it references the address placeholder.
func ParseTemplate(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("failed to parse command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil, errors.New("empty command")
	}
	for _, a := range args {
		if strings.Contains(a, Placeholder) {
			return args, nil
		}
	}
	return nil, fmt.Errorf("command %q does not reference %s", command, Placeholder)
}

// Render substitutes ip into an already tokenized template. Substitution
// happens per token, so the address can never add arguments.
func Render(template []string, ip string) []string {
	out := make([]string, len(template))
	for i, a := range template {
		out[i] = strings.ReplaceAll(a, Placeholder, ip)
	}
	return out
}

func (f *Iptables) Block(ctx context.Context, ip string) error {
	return f.apply(ctx, "block", f.block, ip)
}

func (f *Iptables) Unblock(ctx context.Context, ip string) error {
	return f.apply(ctx, "unblock", f.unblock, ip)
}

func (f *Iptables) apply(ctx context.Context, op string, template []string, ip string) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}
	argv := Render(template, addr.String())

	if f.dryRun {
		f.logger.Info("Firewall dry run", "op", op, "ip", ip, "command", strings.Join(argv, " "))
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	out, err := f.exec.Run(ctx, argv[0], argv[1:])
	if err != nil {
		f.logger.Warn("Firewall command failed",
			"op", op,
			"ip", ip,
			"command", strings.Join(argv, " "),
			"output", strings.TrimSpace(string(out)),
			"error", err)
		return fmt.Errorf("%s %s: %w", op, ip, err)
	}
	f.logger.Info("Firewall rule applied", "op", op, "ip", ip, "duration", time.Since(start))
	return nil
}
