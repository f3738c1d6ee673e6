package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	embeddedconfig "github.com/inercia/sshwarden/config"
	"github.com/inercia/sshwarden/internal/config"
)

var (
	configOutputPath string
	configForce      bool
)

// configCmd represents the config parent command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage sshwarden configuration",
	Long: `Manage sshwarden configuration files.

Use the subcommands to create or check configuration files.`,
}

// configCreateCmd represents the config create subcommand
var configCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a default configuration file",
	Long: `Create a default configuration file.

This command writes the embedded default configuration to the given path,
or to the default location ($SSHWARDEN_CONFIG or <data dir>/sshwarden.yaml).

After creating the file, set the supervisor URL and review the firewall
commands for your environment.

Examples:
  sshwarden config create                               # default location
  sshwarden config create --output /etc/sshwarden.yaml  # explicit path
  sshwarden config create --force                       # overwrite existing file`,
	Annotations: map[string]string{noConfigAnnotation: "true"},
	Args:        cobra.NoArgs,
	RunE:        runConfigCreate,
}

// configCheckCmd validates the configuration file.
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		// setup has already loaded and validated it.
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK: %s\n", cfgPath)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configCreateCmd)
	configCmd.AddCommand(configCheckCmd)

	configCreateCmd.Flags().StringVarP(&configOutputPath, "output", "o", "",
		"Path of the config file to write (default: $SSHWARDEN_CONFIG or <data dir>/sshwarden.yaml)")
	configCreateCmd.Flags().BoolVarP(&configForce, "force", "f", false,
		"Overwrite existing configuration file")
}

func runConfigCreate(cmd *cobra.Command, args []string) error {
	path := configOutputPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	out := cmd.OutOrStdout()

	if _, err := os.Stat(path); err == nil && !configForce {
		fmt.Fprintf(out, "Configuration file already exists: %s\n", path)
		fmt.Fprintln(out, "Use --force to overwrite the existing file.")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(path, embeddedconfig.DefaultConfigYAML, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	fmt.Fprintf(out, "Configuration file created: %s\n", path)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. Set transport.url to your supervisor")
	fmt.Fprintln(out, "  2. Review the firewall block and unblock commands")
	fmt.Fprintln(out, "  3. Run 'sshwarden run'")
	return nil
}
