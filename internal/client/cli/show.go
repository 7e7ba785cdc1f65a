package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// documentView is the printable form of a replicated document
type documentView struct {
	State    json.RawMessage `json:"state"`
	Table    string          `json:"table"`
	RecordID string          `json:"record_id"`
	Heads    []string        `json:"heads"`
	Sum      float64         `json:"sum"`
	Changes  int             `json:"changes"`
	Lamport  int64           `json:"lamport"`
	Deleted  bool            `json:"deleted"`
}

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	List string
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <table> <record-id>",
		Short: "Print the merged state of a replicated document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(ctx context.Context, a *app) error {
				return runShow(ctx, cmd, opts, a, args[0], args[1])
			})
		},
	}

	cmd.Flags().StringVar(&opts.List, "list", "operations", "operation list key to sum")

	return cmd
}

func runShow(ctx context.Context, cmd *cobra.Command, opts *ShowOptions, a *app, table, recordID string) error {
	doc, err := a.ledger().Documents.Load(ctx, table, recordID, a.engine.DeviceID())
	if err != nil {
		return fmt.Errorf("failed to load %s/%s: %w", table, recordID, err)
	}

	state, err := doc.ToJSON()
	if err != nil {
		return err
	}

	view := documentView{
		State:    state,
		Table:    table,
		RecordID: recordID,
		Heads:    doc.Heads(),
		Sum:      doc.CalculateSum(opts.List),
		Changes:  doc.Len(),
		Lamport:  doc.Lamport(),
		Deleted:  doc.IsDeleted(),
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return writeJSON(out, view)
	}

	fmt.Fprintf(out, "%s/%s\n", view.Table, view.RecordID)
	fmt.Fprintf(out, "Changes: %d\n", view.Changes)
	fmt.Fprintf(out, "Lamport: %d\n", view.Lamport)
	fmt.Fprintf(out, "Heads:   %v\n", view.Heads)
	fmt.Fprintf(out, "Sum(%s): %g\n", opts.List, view.Sum)
	if view.Deleted {
		fmt.Fprintln(out, "Deleted: yes")
	}
	fmt.Fprintf(out, "State:   %s\n", view.State)
	return nil
}
