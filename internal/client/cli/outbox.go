package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/internal/client/ledger"
	"github.com/iudanet/wmssync/internal/client/storage"
	"github.com/iudanet/wmssync/pkg/api"
)

// outboxView is the printable form of an outbox item
type outboxView struct {
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ID             string     `json:"id"`
	TableName      string     `json:"table_name"`
	RecordID       string     `json:"record_id"`
	Operation      string     `json:"operation"`
	Payload        string     `json:"payload,omitempty"`
	Size           int        `json:"size"`
}

func newOutboxView(item *ledger.OutboxItem) outboxView {
	v := outboxView{
		CreatedAt:      item.CreatedAt,
		SentAt:         item.SentAt,
		AcknowledgedAt: item.AcknowledgedAt,
		ID:             item.ID,
		TableName:      item.TableName,
		RecordID:       item.RecordID,
		Operation:      string(item.Operation),
		Size:           len(item.Payload),
	}
	// MERGE payloads are binary change sets
	if item.Operation != api.OperationMerge {
		v.Payload = string(item.Payload)
	}
	return v
}

// OutboxOptions holds flags for the outbox command.
type OutboxOptions struct {
	*RootOptions
	Limit int
}

// NewOutboxCommand creates the outbox command.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outbox [id]",
		Short: "List local changes waiting for acknowledgment, or show one item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				if len(args) == 1 {
					return runOutboxItem(ctx, cmd, opts, a, args[0])
				}
				return runOutboxList(ctx, cmd, opts, a)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of items")

	return cmd
}

func runOutboxList(ctx context.Context, cmd *cobra.Command, opts *OutboxOptions, a *app) error {
	items, err := a.ledger().Outbox.Pending(ctx, opts.Limit)
	if err != nil {
		return err
	}

	views := make([]outboxView, 0, len(items))
	for i := range items {
		views = append(views, newOutboxView(&items[i]))
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, views)
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "Outbox is empty")
	}
	for _, v := range views {
		state := "queued"
		if v.SentAt != nil {
			state = "sent"
		}
		fmt.Fprintf(out, "%s %s/%s %s %s\n", v.ID, v.TableName, v.RecordID, v.Operation, state)
	}
	return nil
}

func runOutboxItem(ctx context.Context, cmd *cobra.Command, opts *OutboxOptions, a *app, id string) error {
	item, err := a.ledger().Outbox.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("outbox item %s not found (purged or never queued)", id)
	}
	if err != nil {
		return err
	}

	v := newOutboxView(item)
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, v)
	}

	fmt.Fprintf(out, "%s %s/%s\n", v.Operation, v.TableName, v.RecordID)
	fmt.Fprintf(out, "ID:           %s\n", v.ID)
	fmt.Fprintf(out, "Created:      %s\n", v.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Sent:         %s\n", formatOptionalTime(v.SentAt))
	fmt.Fprintf(out, "Acknowledged: %s\n", formatOptionalTime(v.AcknowledgedAt))
	if v.Payload != "" {
		fmt.Fprintf(out, "Payload:      %s\n", v.Payload)
	} else {
		fmt.Fprintf(out, "Payload:      %d bytes\n", v.Size)
	}
	return nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "no"
	}
	return t.Format(time.RFC3339)
}
