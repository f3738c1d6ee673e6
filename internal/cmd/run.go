package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/inercia/sshwarden/internal/agent"
	"github.com/inercia/sshwarden/internal/appdir"
	"github.com/inercia/sshwarden/internal/authlog"
	"github.com/inercia/sshwarden/internal/config"
	"github.com/inercia/sshwarden/internal/eventlog"
	"github.com/inercia/sshwarden/internal/firewall"
	"github.com/inercia/sshwarden/internal/hooks"
	"github.com/inercia/sshwarden/internal/lifecycle"
	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/protocol"
	"github.com/inercia/sshwarden/internal/queue"
	"github.com/inercia/sshwarden/internal/registry"
	"github.com/inercia/sshwarden/internal/runner"
	"github.com/inercia/sshwarden/internal/transport"
)

var noWatch bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent until it is stopped or its subscription ends",
	Long: `Subscribe to the supervisor and protect this host.

The agent checks the authentication log every detection interval, blocks
attackers, reports them to the supervisor and blocks addresses the
supervisor pushes. SIGINT or SIGTERM cancels the subscription and exits;
a second signal exits immediately.

Changes to the detection section of the configuration file are applied
at the next detection cycle.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not reload detection settings when the config file changes")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := logging.Agent()

	if cfg.Registry.Backend == "file" {
		if def, err := appdir.RegistryDir(); err == nil && def == cfg.Registry.Dir {
			if err := appdir.EnsureDir(); err != nil {
				return err
			}
		}
	}

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}

	sm := hooks.NewShutdownManager()
	sm.AddCleanup(func(string) {
		if err := d.Close(); err != nil {
			logger.Warn("Cleanup failed", "error", err)
		}
	})

	if !noWatch && cfgPath != "" {
		w, err := config.NewWatcher(cfgPath, func(dc config.DetectionConfig) {
			if err := d.applyDetection(dc); err != nil {
				logger.Warn("Rejected detection settings", "error", err)
			}
		}, logging.ConfigFile())
		if err != nil {
			logger.Warn("Config reload disabled", "path", cfgPath, "error", err)
		} else {
			w.Start()
			sm.AddCleanup(func(string) { _ = w.Close() })
		}
	}

	sm.Start()
	runErr := d.run(sm.Context())
	sm.Shutdown("agent finished")
	return runErr
}

// daemon holds the collaborators of one agent process.
type daemon struct {
	agent     *agent.Agent
	manager   *lifecycle.Manager
	transport transport.Transport
	store     *registry.Store
	events    *eventlog.Log
	logger    *slog.Logger

	closers []func() error
}

// newDaemon builds every collaborator from c. On error, whatever was
// already opened is closed.
func newDaemon(c *config.Config) (_ *daemon, err error) {
	d := &daemon{logger: logging.Agent()}
	defer func() {
		if err != nil {
			_ = d.Close()
		}
	}()

	d.events = eventlog.Open(c.Agent.Name, eventlog.Config{
		Path:       c.Log.EventLog,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	})
	d.closers = append(d.closers, d.events.Close)

	d.store, err = registry.Open(c.Registry.Backend, c.Registry.Dir, c.Registry.SQLitePath, logging.Registry())
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	d.closers = append(d.closers, d.store.Close)

	exec, err := runner.New(runner.Config{Type: c.Firewall.Runner}, logging.Firewall())
	if err != nil {
		return nil, fmt.Errorf("failed to create command runner: %w", err)
	}
	fw, err := firewall.New(firewall.Config{
		BlockCommand:   c.Firewall.BlockCommand,
		UnblockCommand: c.Firewall.UnblockCommand,
		DryRun:         c.Firewall.DryRun,
		Timeout:        c.Firewall.Timeout,
	}, exec, logging.Firewall())
	if err != nil {
		return nil, fmt.Errorf("invalid firewall configuration: %w", err)
	}

	whitelist, err := lifecycle.ParseWhitelist(c.Detection.Whitelist)
	if err != nil {
		return nil, err
	}
	d.manager = lifecycle.New(d.store, authlog.NewFileSource(c.Detection.AuthLog), fw, whitelist, logging.Lifecycle())

	q := queue.New(c.Queue.Capacity, logging.Queue())

	d.transport, err = transport.New(transport.Config{
		Kind:         c.Transport.Kind,
		Agent:        c.Agent.Name,
		URL:          c.Transport.URL,
		DialTimeout:  c.Transport.DialTimeout,
		MailboxPath:  c.Transport.MailboxPath,
		PollInterval: c.Transport.PollInterval,
	}, logging.Transport())
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	d.closers = append(d.closers, d.transport.Close)

	proto := protocol.New(d.transport, q, protocol.Config{
		Agent:        c.Agent.Name,
		Supervisor:   c.Supervisor.Name,
		ReplyTimeout: c.Supervisor.ReplyTimeout,
	}, logging.Protocol(), d.events)

	d.agent, err = agent.New(agent.Config{
		Name:            c.Agent.Name,
		Supervisor:      c.Supervisor.Name,
		SelfAddress:     c.Agent.SelfAddress,
		Tunables:        tunables(c.Detection),
		ShutdownTimeout: c.Supervisor.ShutdownTimeout,
	}, proto, d.manager, q, d.logger, d.events)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func tunables(dc config.DetectionConfig) agent.Tunables {
	interval := dc.Interval
	if interval == 0 {
		interval = dc.Window
	}
	return agent.Tunables{Detection: dc.Params(), Interval: interval}
}

// applyDetection installs reloaded detection settings. The log path is
// only read at startup.
func (d *daemon) applyDetection(dc config.DetectionConfig) error {
	whitelist, err := lifecycle.ParseWhitelist(dc.Whitelist)
	if err != nil {
		return err
	}
	if err := d.agent.SetTunables(tunables(dc)); err != nil {
		return err
	}
	d.manager.SetWhitelist(whitelist)
	return nil
}

// run connects the transport and runs the agent until FINALIZE.
func (d *daemon) run(ctx context.Context) error {
	if err := d.transport.Start(ctx, d.agent.OnMessage); err != nil {
		return fmt.Errorf("failed to connect to supervisor: %w", err)
	}
	err := d.agent.Run(ctx)
	if err != nil {
		d.logger.Error("Agent stopped", "error", err)
	}
	return err
}

// Close releases the collaborators in reverse order of creation.
func (d *daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}
