package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/pkg/api"
)

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue <table> <record-id> <INSERT|UPDATE|DELETE> [json-payload]",
		Short: "Queue a relational change for the next sync",
		Long: `Queue a relational change for the next sync.

The payload is read from stdin when omitted.

Example:
  wmssync queue products p-1 UPDATE '{"sku":"A-1","name":"Pallet jack"}'`,
		Args: cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runQueue(ctx, cmd, a, args)
			})
		},
	}
}

func runQueue(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
	op, err := api.ParseChangeOperation(args[2])
	if err != nil {
		return err
	}

	var payload string
	if len(args) == 4 {
		payload = args[3]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read payload: %w", err)
		}
		payload = strings.TrimSpace(string(data))
	}

	item, err := a.engine.QueueChange(ctx, args[0], args[1], op, payload)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s/%s as %s\n", item.Operation, item.TableName, item.RecordID, item.ID)
	return nil
}
