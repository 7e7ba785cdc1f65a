package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// inboxView is the printable form of an inbox item
type inboxView struct {
	Payload       json.RawMessage `json:"payload"`
	ID            string          `json:"id"`
	TableName     string          `json:"table_name"`
	RecordID      string          `json:"record_id"`
	Operation     string          `json:"operation"`
	ServerVersion int64           `json:"server_version"`
}

// InboxOptions holds flags for the inbox command.
type InboxOptions struct {
	*RootOptions
	Limit int
	Ack   bool
}

// NewInboxCommand creates the inbox command.
func NewInboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "List remote changes waiting to be applied to business tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runInbox(ctx, cmd, opts, a)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of items")
	cmd.Flags().BoolVar(&opts.Ack, "ack", false, "remove the listed items from the inbox")

	return cmd
}

func runInbox(ctx context.Context, cmd *cobra.Command, opts *InboxOptions, a *app) error {
	l := a.ledger()

	items, err := l.Inbox.Pending(ctx, opts.Limit)
	if err != nil {
		return err
	}

	views := make([]inboxView, 0, len(items))
	for _, item := range items {
		views = append(views, inboxView{
			Payload:       json.RawMessage(item.Payload),
			ID:            item.ID,
			TableName:     item.TableName,
			RecordID:      item.RecordID,
			Operation:     string(item.Operation),
			ServerVersion: item.ServerVersion,
		})
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		if err := writeJSON(out, views); err != nil {
			return err
		}
	} else {
		if len(views) == 0 {
			fmt.Fprintln(out, "Inbox is empty")
		}
		for _, v := range views {
			fmt.Fprintf(out, "%s %s/%s %s v%d %s\n", v.ID, v.TableName, v.RecordID, v.Operation, v.ServerVersion, v.Payload)
		}
	}

	if !opts.Ack {
		return nil
	}
	for _, item := range items {
		if err := l.Inbox.Delete(ctx, item.ID); err != nil {
			return err
		}
	}
	return nil
}
