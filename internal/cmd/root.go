// Package cmd provides the CLI commands for sshwarden.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/sshwarden/internal/config"
	"github.com/inercia/sshwarden/internal/logging"
)

// noConfigAnnotation marks commands that run without loading the
// configuration file.
const noConfigAnnotation = "sshwarden/no-config"

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string // --log-level flag (debug, info, warn, error)
	logFile       string
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgPath is the file cfg was loaded from.
	cfgPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sshwarden",
	Short: "sshwarden - SSH brute-force protection agent",
	Long: `sshwarden watches the SSH authentication log for repeated failed
logins, blocks offending addresses in the packet filter and reports them
to a supervisor. It also blocks addresses the supervisor pushes to it.

Blocked addresses are released again after a quiet period.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (default: $SSHWARDEN_CONFIG or <data dir>/sshwarden.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: from config, else info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'agent,protocol,lifecycle'). Empty means all components.")
}

// setup loads the configuration and initializes logging. Flags take
// priority over the configuration file.
func setup(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Annotations[noConfigAnnotation] == "true" {
		return logging.Initialize(logging.Config{Level: effectiveLogLevel(""), Console: cmd.ErrOrStderr()})
	}

	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	loaded, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	cfg, cfgPath = loaded, path

	return logging.Initialize(loggingConfig(cfg.Log, cmd.ErrOrStderr()))
}

// effectiveLogLevel applies --log-level > --debug > configured level.
func effectiveLogLevel(configured string) string {
	switch {
	case logLevel != "":
		return logLevel
	case debug:
		return "debug"
	case configured != "":
		return configured
	}
	return "info"
}

func loggingConfig(lc config.LogConfig, console io.Writer) logging.Config {
	out := logging.Config{
		Level:      effectiveLogLevel(lc.Level),
		JSON:       lc.JSON,
		Components: lc.Components,
		Console:    console,
	}
	if logComponents != "" {
		out.Components = nil
		for _, c := range strings.Split(logComponents, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				out.Components = append(out.Components, c)
			}
		}
	}
	path := lc.File
	if logFile != "" {
		path = logFile
	}
	if path != "" {
		out.FileLog = &logging.FileLogConfig{
			Path:       path,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
		}
	}
	return out
}
