package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/sshwarden/internal/logging"
	"github.com/inercia/sshwarden/internal/registry"
)

var registryJSON bool

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the address registries",
	Long: `Inspect the registries the agent keeps between cycles:

  ban      addresses blocked by local detection this cycle
  reallow  blocked addresses that are unblocked next cycle unless they retry
  wait     blocked addresses deferred one more cycle
  to-send  attackers not yet acknowledged by the supervisor`,
}

var registryListCmd = &cobra.Command{
	Use:       "list [ban|reallow|wait|to-send]",
	Short:     "List registry contents",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(registry.Ban), string(registry.Reallow), string(registry.Wait), string(registry.ToSend)},
	RunE: func(cmd *cobra.Command, args []string) error {
		names := registry.Names()
		if len(args) == 1 {
			name, err := registry.ParseName(args[0])
			if err != nil {
				return err
			}
			names = []registry.Name{name}
		}

		store, err := registry.Open(cfg.Registry.Backend, cfg.Registry.Dir, cfg.Registry.SQLitePath, logging.Registry())
		if err != nil {
			return fmt.Errorf("failed to open registry: %w", err)
		}
		defer store.Close()

		contents := make(map[registry.Name][]registry.Record, len(names))
		for _, name := range names {
			recs, err := store.Content(name)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", name, err)
			}
			contents[name] = recs
		}

		if registryJSON {
			return writeRegistryJSON(cmd.OutOrStdout(), names, contents)
		}
		return writeRegistryTable(cmd.OutOrStdout(), names, contents)
	},
}

func init() {
	rootCmd.AddCommand(registryCmd)
	registryCmd.AddCommand(registryListCmd)
	registryListCmd.Flags().BoolVar(&registryJSON, "json", false, "Print as JSON")
}

func writeRegistryJSON(w io.Writer, names []registry.Name, contents map[registry.Name][]registry.Record) error {
	out := make(map[string][]registry.Record, len(names))
	for _, name := range names {
		recs := contents[name]
		if recs == nil {
			recs = []registry.Record{}
		}
		out[string(name)] = recs
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func writeRegistryTable(w io.Writer, names []registry.Name, contents map[registry.Name][]registry.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGISTRY\tADDRESS\tATTEMPTS\tLAST SEEN")
	for _, name := range names {
		for _, rec := range contents[name] {
			last := "-"
			if len(rec.Timestamps) > 0 {
				last = latest(rec.Timestamps).Format(time.RFC3339)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, rec.IP, len(rec.Timestamps), last)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	var counts []string
	for _, name := range names {
		counts = append(counts, fmt.Sprintf("%s=%d", name, len(contents[name])))
	}
	_, err := fmt.Fprintln(w, strings.Join(counts, " "))
	return err
}

func latest(ts []time.Time) time.Time {
	var newest time.Time
	for _, t := range ts {
		if t.After(newest) {
			newest = t
		}
	}
	return newest
}
