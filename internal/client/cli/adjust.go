package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/iudanet/wmssync/internal/crdt"
)

// AdjustOptions holds flags for the adjust command.
type AdjustOptions struct {
	*RootOptions
	Table  string
	List   string
	OpType string
	User   string
	Notes  string
}

// NewAdjustCommand creates the adjust command.
func NewAdjustCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AdjustOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "adjust <record-id> <delta>",
		Short: "Append a quantity operation to a replicated stock record",
		Long: `Append a quantity operation to a replicated stock record.

Operations from every device are kept and summed, so concurrent
adjustments made offline never overwrite each other.

Example:
  wmssync adjust --type pick --user alice inv-1 -- -3`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runAdjust(ctx, cmd, opts, a, args[0], args[1])
			})
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "inventory", "document table")
	cmd.Flags().StringVar(&opts.List, "list", "operations", "operation list key")
	cmd.Flags().StringVar(&opts.OpType, "type", crdt.OpTypeAdjust, "operation type (pick|receive|adjust|count)")
	cmd.Flags().StringVar(&opts.User, "user", "", "user recorded on the operation (default: device id)")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes")

	return cmd
}

func runAdjust(ctx context.Context, cmd *cobra.Command, opts *AdjustOptions, a *app, recordID, rawDelta string) error {
	delta, err := strconv.ParseFloat(rawDelta, 64)
	if err != nil {
		return fmt.Errorf("invalid delta %q: %w", rawDelta, err)
	}

	user := opts.User
	if user == "" {
		user = a.engine.DeviceID()
	}

	op := crdt.NewOperation(opts.OpType, delta, user)
	if opts.Notes != "" {
		op = op.WithNotes(opts.Notes)
	}

	doc, err := a.engine.ApplyLocal(ctx, opts.Table, recordID, func(doc *crdt.Document) error {
		return doc.PushOperation(opts.List, op)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s: %g (total %g)\n",
		opts.Table, recordID, opts.OpType, delta, doc.CalculateSum(opts.List))
	return nil
}
