package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/habitlog/internal/service"
	"github.com/spf13/cobra"
)

var (
	ledgerStatus    string
	ledgerOperation string
	ledgerLimit     int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "List recent idempotency log entries",
	Long: `List idempotency log entries, newest first. Pending entries show the
last completed dual-write step, which tells whether the legacy write landed.

Examples:
  habitctl ledger
  habitctl ledger --status pending
  habitctl ledger --operation create_week --limit 200`,
	RunE: runLedger,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerStatus, "status", "", "Filter by status (pending|succeeded|failed)")
	ledgerCmd.Flags().StringVar(&ledgerOperation, "operation", "", "Filter by operation name")
	ledgerCmd.Flags().IntVar(&ledgerLimit, "limit", 50, "Maximum entries to show (max 500)")
	rootCmd.AddCommand(ledgerCmd)
}

func runLedger(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	entries, err := service.NewIdempotencyLedger(rt.db, rt.log).Recent(cmd.Context(), service.LedgerFilter{
		Status:    ledgerStatus,
		Operation: ledgerOperation,
		Limit:     ledgerLimit,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No idempotency log entries.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tOPERATION\tSTATUS\tSTEP\tHTTP\tCREATED\tCOMPLETED")
	for _, entry := range entries {
		completed := "-"
		if entry.CompletedAt != nil {
			completed = entry.CompletedAt.UTC().Format(time.RFC3339)
		}
		step := entry.Step
		if step == "" {
			step = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			entry.Key, entry.Operation, entry.Status, step, entry.StatusCode,
			entry.CreatedAt.UTC().Format(time.RFC3339), completed)
	}
	return tw.Flush()
}
