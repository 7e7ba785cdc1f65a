package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/internal/config"
)

// NewSetCommand creates the set command.
func NewSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a device setting",
		Long: `Store a device setting in the local database.

server_url is used when neither --server, WMS_SERVER_URL nor the config
file set one. An empty value clears it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runSet(ctx, cmd, a, args[0], args[1])
			})
		},
	}
}

func runSet(ctx context.Context, cmd *cobra.Command, a *app, key, value string) error {
	if key != SettingServerURL {
		return fmt.Errorf("unknown setting %q", key)
	}

	// Validate the address with the same rules as the config
	check := config.Default()
	check.ServerURL = value
	if err := check.Validate(); err != nil {
		return err
	}

	if err := a.ledger().Settings.Set(ctx, key, value); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s = %q\n", key, value)
	return nil
}
