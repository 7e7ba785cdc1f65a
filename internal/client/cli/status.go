package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// statusReport describes the local device state
type statusReport struct {
	LastSync       *syncReport        `json:"last_sync,omitempty"`
	DeviceID       string             `json:"device_id"`
	Endpoint       string             `json:"endpoint,omitempty"`
	Tables         []api.TableVersion `json:"tables"`
	PendingChanges int                `json:"pending_changes"`
	InboxItems     int                `json:"inbox_items"`
	Documents      int                `json:"documents"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, watermarks and the last sync outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runStatus(ctx, cmd, rootOpts, a)
			})
		},
	}
}

func runStatus(ctx context.Context, cmd *cobra.Command, opts *RootOptions, a *app) error {
	l := a.ledger()

	report := statusReport{
		DeviceID:       a.engine.DeviceID(),
		Endpoint:       a.engine.Endpoint(),
		PendingChanges: a.engine.Status().PendingChanges,
	}

	var err error
	if report.InboxItems, err = l.Inbox.Count(ctx); err != nil {
		return err
	}
	if report.Documents, err = l.Documents.Count(ctx); err != nil {
		return err
	}
	if report.Tables, err = l.Versions.All(ctx); err != nil {
		return err
	}

	raw, err := l.Settings.Get(ctx, SettingLastSync)
	switch {
	case err == nil:
		var last syncReport
		if err := json.Unmarshal([]byte(raw), &last); err != nil {
			return fmt.Errorf("failed to decode last sync report: %w", err)
		}
		report.LastSync = &last
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, report)
	}

	fmt.Fprintln(out, "=== Device Status ===")
	fmt.Fprintf(out, "Device ID:       %s\n", report.DeviceID)
	if report.Endpoint != "" {
		fmt.Fprintf(out, "Server:          %s\n", report.Endpoint)
	} else {
		fmt.Fprintln(out, "Server:          not configured")
	}
	fmt.Fprintf(out, "Pending changes: %d\n", report.PendingChanges)
	fmt.Fprintf(out, "Inbox items:     %d\n", report.InboxItems)
	fmt.Fprintf(out, "Documents:       %d\n", report.Documents)

	for _, tv := range report.Tables {
		fmt.Fprintf(out, "  %-20s version %d\n", tv.TableName, tv.Version)
	}

	if report.LastSync == nil {
		fmt.Fprintln(out, "Last sync:       never")
		return nil
	}

	st := report.LastSync.Status
	if st.LastSyncAt != nil {
		fmt.Fprintf(out, "Last sync:       %s\n", st.LastSyncAt.Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Connection:      %s\n", st.ConnectionStatus)
	if st.LastError != "" {
		fmt.Fprintf(out, "Last error:      %s (%d consecutive)\n", st.LastError, st.SyncErrors)
	}
	if st.LastDocumentError != "" {
		fmt.Fprintf(out, "Document error:  %s\n", st.LastDocumentError)
	}
	return nil
}
