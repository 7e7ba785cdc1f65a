package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	clientsync "github.com/iudanet/wmssync/internal/client/sync"
)

// syncReport is the outcome of a sync command
type syncReport struct {
	Status clientsync.Status     `json:"status"`
	Result clientsync.PassResult `json:"result"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass with the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runSync(ctx, cmd, rootOpts, a)
			})
		},
	}
}

func runSync(ctx context.Context, cmd *cobra.Command, opts *RootOptions, a *app) error {
	st, err := a.engine.SyncNow(ctx)
	if err != nil {
		return err
	}

	report := syncReport{Status: st, Result: a.engine.LastResult()}

	// Save the report for the status command
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode sync report: %w", err)
	}
	if err := a.ledger().Settings.Set(ctx, SettingLastSync, string(data)); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		res := report.Result
		fmt.Fprintf(out, "Pushed to server:   %d (rejected %d, acknowledged %d)\n", res.Pushed, res.Rejected, res.Acknowledged)
		fmt.Fprintf(out, "Pulled from server: %d in %d page(s)\n", res.Pulled, res.Pages)
		fmt.Fprintf(out, "Applied locally:    %d\n", res.Applied)
		if res.Skipped > 0 {
			fmt.Fprintf(out, "Skipped (errors):   %d\n", res.Skipped)
		}
		fmt.Fprintf(out, "Connection:         %s\n", st.ConnectionStatus)
		fmt.Fprintf(out, "Pending changes:    %d\n", st.PendingChanges)
	}

	if st.LastError != "" {
		return fmt.Errorf("synchronization failed: %s", st.LastError)
	}
	return nil
}
