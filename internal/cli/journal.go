package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/cartsync/internal/cart"
	"github.com/roach88/cartsync/internal/engine"
	"github.com/roach88/cartsync/internal/store"
)

// JournalOptions holds flags for the journal command.
type JournalOptions struct {
	*RootOptions
	Database string
	CartID   string
	Pending  bool
}

// JournalResult is the journal command's JSON payload.
type JournalResult struct {
	CartID     string                   `json:"cart_id,omitempty"`
	Operations []engine.OperationRecord `json:"operations"`
	Errors     []engine.CartError       `json:"errors,omitempty"`
	Snapshot   *cart.Cart               `json:"snapshot,omitempty"`
}

// NewJournalCommand creates the journal command.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JournalOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the operation journal",
		Long: `List journaled operations in submission order.

With --cart, also shows that cart's error log and its last confirmed
snapshot. With --pending, lists only operations that never settled, such as
calls still queued when a session stopped.

Examples:
  cartsync journal --db ./cartsync.db
  cartsync journal --db ./cartsync.db --cart cart-1
  cartsync journal --db ./cartsync.db --pending --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJournal(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.CartID, "cart", "", "only show this cart")
	cmd.Flags().BoolVar(&opts.Pending, "pending", false, "only show operations that never settled")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runJournal(opts *JournalOptions, cmd *cobra.Command) error {
	// store.Open would create a missing database.
	if _, err := os.Stat(opts.Database); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("database not found: %s", opts.Database))
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	result, err := readJournal(ctx, st, opts)
	if err != nil {
		if opts.Format == "json" {
			_ = formatter.Error(ErrCodeJournal, "failed to read journal", err.Error())
		}
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	printJournal(cmd.OutOrStdout(), result)
	return nil
}

func readJournal(ctx context.Context, st *store.Store, opts *JournalOptions) (JournalResult, error) {
	result := JournalResult{CartID: opts.CartID}

	var err error
	switch {
	case opts.Pending:
		result.Operations, err = st.ListPending(ctx)
		if err == nil && opts.CartID != "" {
			result.Operations = filterCart(result.Operations, opts.CartID)
		}
	case opts.CartID != "":
		result.Operations, err = st.ListOperations(ctx, opts.CartID)
	default:
		result.Operations, err = st.ListAllOperations(ctx)
	}
	if err != nil {
		return JournalResult{}, err
	}

	if opts.CartID != "" && !opts.Pending {
		if result.Errors, err = st.ListErrors(ctx, opts.CartID); err != nil {
			return JournalResult{}, err
		}
		snap, ok, err := st.LoadSnapshot(ctx, opts.CartID)
		if err != nil {
			return JournalResult{}, err
		}
		if ok {
			result.Snapshot = &snap
		}
	}
	return result, nil
}

func filterCart(ops []engine.OperationRecord, cartID string) []engine.OperationRecord {
	out := []engine.OperationRecord{}
	for _, op := range ops {
		if op.CartID == cartID {
			out = append(out, op)
		}
	}
	return out
}

func printJournal(w io.Writer, r JournalResult) {
	if len(r.Operations) == 0 {
		fmt.Fprintln(w, "No operations.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tID\tKIND\tMERCHANDISE\tQTY\tSTATUS\tRETRIES\tERROR")
		for _, op := range r.Operations {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\t%d\t%s\n",
				op.Seq, op.ID, op.Kind, op.MerchandiseID, op.Quantity, op.Status, op.RetryCount, op.Error)
		}
		tw.Flush()
	}

	if len(r.Errors) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors (%d):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  %s  %s  op=%s\n", e.At.Format("2006-01-02T15:04:05Z07:00"), e.Message, e.Operation.ID)
		}
	}
	if r.Snapshot != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Snapshot v%d: %d item(s), total %s\n", r.Snapshot.Version, r.Snapshot.TotalQuantity, r.Snapshot.Cost.Total)
		for _, l := range r.Snapshot.Lines {
			fmt.Fprintf(w, "  %s x%d  %s\n", l.MerchandiseID, l.Quantity, l.Cost)
		}
	}
}
