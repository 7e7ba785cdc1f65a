// Package cli implements the device command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// BuildInfo is set via ldflags during build
type BuildInfo struct {
	Version   string
	BuildDate string
	GitCommit string
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	DBPath     string
	ServerURL  string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command of the device CLI.
func NewRootCommand(info BuildInfo) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "wmssync",
		Short: "Offline-first warehouse sync client",
		Long: `Offline-first warehouse sync client.

Local changes are recorded in the device database and exchanged with the
relay server on "wmssync sync". Configuration is read from --config, then
WMS_SERVER_URL, WMS_DB_PATH, WMS_AUTH_SECRET and WMS_LOG_LEVEL.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to TOML config file")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "path to local database (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "relay server URL (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewAdjustCommand(opts))
	cmd.AddCommand(NewShowCommand(opts))
	cmd.AddCommand(NewInboxCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewVersionCommand(info))

	return cmd
}
