// Package config handles configuration loading and management for sshwarden.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inercia/sshwarden/internal/appdir"
	"github.com/inercia/sshwarden/internal/firewall"
	"github.com/inercia/sshwarden/internal/lifecycle"
	"github.com/inercia/sshwarden/internal/logging"
)

// ConfigEnv overrides the default configuration file path.
const ConfigEnv = "SSHWARDEN_CONFIG"

// ConfigFileName is the configuration file looked for in the data directory.
const ConfigFileName = "sshwarden.yaml"

// AgentConfig identifies this agent.
type AgentConfig struct {
	Name string `yaml:"name"`
	// SelfAddress overrides the address reported on subscribe. Empty means
	// it is detected from the network interfaces.
	SelfAddress string `yaml:"self_address"`
}

// SupervisorConfig describes the supervisor this agent subscribes to.
type SupervisorConfig struct {
	Name string `yaml:"name"`
	// ReplyTimeout bounds every wait for a reply. Zero waits forever.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// ShutdownTimeout bounds the cancel exchange after a signal.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DetectionConfig holds the tunables that can change while running.
type DetectionConfig struct {
	AuthLog  string        `yaml:"auth_log"`
	Attempts int           `yaml:"attempts"`
	Window   time.Duration `yaml:"window"`
	Lines    int           `yaml:"lines"`
	// Interval is the WAIT period. Zero means the same as Window.
	Interval  time.Duration `yaml:"interval"`
	Whitelist []string      `yaml:"whitelist"`
}

// Params returns the detection parameters in the form the lifecycle manager uses.
func (d DetectionConfig) Params() lifecycle.Params {
	return lifecycle.Params{Attempts: d.Attempts, Window: d.Window, Lines: d.Lines}
}

// RegistryConfig selects the registry backend.
type RegistryConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// QueueConfig sizes the inbound message queue. Waits on the queue are
// event driven, so there is no poll interval.
type QueueConfig struct {
	Capacity int `yaml:"capacity"`
}

// FirewallConfig holds the block and unblock command templates. Each
// template must contain {ip}.
type FirewallConfig struct {
	BlockCommand   string        `yaml:"block_command"`
	UnblockCommand string        `yaml:"unblock_command"`
	DryRun         bool          `yaml:"dry_run"`
	Timeout        time.Duration `yaml:"timeout"`
	// Runner is exec, sandbox-exec, firejail or docker.
	Runner string `yaml:"runner"`
}

// TransportConfig selects how messages reach the supervisor.
type TransportConfig struct {
	Kind         string        `yaml:"kind"`
	URL          string        `yaml:"url"`
	MailboxPath  string        `yaml:"mailbox_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
}

// LogConfig configures diagnostic and event logging.
type LogConfig struct {
	Level      string   `yaml:"level"`
	File       string   `yaml:"file"`
	JSON       bool     `yaml:"json"`
	MaxSizeMB  int      `yaml:"max_size_mb"`
	MaxBackups int      `yaml:"max_backups"`
	Components []string `yaml:"components"`
	// EventLog is the operational event log path. Empty disables it.
	EventLog string `yaml:"event_log"`
}

// Config represents the complete sshwarden configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Detection  DetectionConfig  `yaml:"detection"`
	Registry   RegistryConfig   `yaml:"registry"`
	Queue      QueueConfig      `yaml:"queue"`
	Firewall   FirewallConfig   `yaml:"firewall"`
	Transport  TransportConfig  `yaml:"transport"`
	Log        LogConfig        `yaml:"log"`
}

// Default returns the configuration used for every field the file leaves out.
func Default() *Config {
	return &Config{
		Agent:      AgentConfig{Name: "ssh-agent"},
		Supervisor: SupervisorConfig{Name: "supervisor", ShutdownTimeout: 10 * time.Second},
		Detection: DetectionConfig{
			AuthLog:  "/var/log/auth.log",
			Attempts: 3,
			Window:   60 * time.Second,
			Lines:    1000,
		},
		Registry: RegistryConfig{Backend: "file"},
		Queue:    QueueConfig{Capacity: 100},
		Firewall: FirewallConfig{
			BlockCommand:   firewall.DefaultBlockCommand,
			UnblockCommand: firewall.DefaultUnblockCommand,
			Runner:         "exec",
		},
		Transport: TransportConfig{Kind: "websocket", DialTimeout: 10 * time.Second},
		Log:       LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// DefaultConfigPath returns $SSHWARDEN_CONFIG, or sshwarden.yaml in the
// data directory.
func DefaultConfigPath() string {
	if envPath := os.Getenv(ConfigEnv); envPath != "" {
		return envPath
	}
	dir, err := appdir.Dir()
	if err != nil {
		return ConfigFileName
	}
	return filepath.Join(dir, ConfigFileName)
}

// Load reads and parses the configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data over the defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills values that depend on other fields.
func (c *Config) applyDefaults() {
	if c.Detection.Interval == 0 {
		c.Detection.Interval = c.Detection.Window
	}
	if c.Registry.Dir == "" {
		if dir, err := appdir.RegistryDir(); err == nil {
			c.Registry.Dir = dir
		}
	}
	if c.Registry.Backend == "sqlite" && c.Registry.SQLitePath == "" && c.Registry.Dir != "" {
		c.Registry.SQLitePath = filepath.Join(c.Registry.Dir, "registry.db")
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	}
	if c.Supervisor.Name == "" {
		errs = append(errs, errors.New("supervisor.name is required"))
	}
	if c.Supervisor.ReplyTimeout < 0 || c.Supervisor.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("supervisor timeouts must not be negative"))
	}
	if err := c.Detection.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Registry.Backend {
	case "file":
		if c.Registry.Dir == "" {
			errs = append(errs, errors.New("registry.dir is required for the file backend"))
		}
	case "sqlite":
		if c.Registry.SQLitePath == "" {
			errs = append(errs, errors.New("registry.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}

	if c.Queue.Capacity < 1 {
		errs = append(errs, fmt.Errorf("queue.capacity must be at least 1, got %d", c.Queue.Capacity))
	}

	switch c.Transport.Kind {
	case "websocket":
		if c.Transport.URL == "" {
			errs = append(errs, errors.New("transport.url is required for the websocket transport"))
		}
	case "mailbox":
		if c.Transport.MailboxPath == "" {
			errs = append(errs, errors.New("transport.mailbox_path is required for the mailbox transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport kind %q", c.Transport.Kind))
	}

	if err := logging.ValidLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Validate checks the detection tunables on their own, so a reload can be
// rejected without touching the rest of the configuration.
func (d DetectionConfig) Validate() error {
	var errs []error
	if d.AuthLog == "" {
		errs = append(errs, errors.New("detection.auth_log is required"))
	}
	if err := d.Params().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detection: %w", err))
	}
	if d.Interval < 0 {
		errs = append(errs, errors.New("detection.interval must not be negative"))
	}
	if _, err := lifecycle.ParseWhitelist(d.Whitelist); err != nil {
		errs = append(errs, fmt.Errorf("detection.whitelist: %w", err))
	}
	return errors.Join(errs...)
}
