package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/habitlog/internal/service"
	"github.com/spf13/cobra"
)

var (
	backfillTargets []string
	backfillAll     bool
	backfillDryRun  bool
	backfillSource  string
	backfillJSON    bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Copy legacy weeks that are missing from the normalized store",
	Long: `Backfill reads weeks from the legacy habit_tracker table and writes the
missing child, week, habits and habit records into the normalized schema.

Each target runs in its own transaction; a failed target does not stop the
others. Targets that already exist are skipped, so the command is safe to
rerun. Weeks that do not start on a Monday are skipped.

Examples:
  habitctl backfill --target '이은지@2025-07-21'
  habitctl backfill --target 'a@2025-07-21' --target 'b@2025-07-28'
  habitctl backfill --all --dry-run`,
	RunE: runBackfill,
}

func init() {
	backfillCmd.Flags().StringArrayVar(&backfillTargets, "target", nil, "Week to backfill as child@YYYY-MM-DD (repeatable)")
	backfillCmd.Flags().BoolVar(&backfillAll, "all", false, "Backfill every Monday-start legacy week missing from the normalized store")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "List the targets without writing")
	backfillCmd.Flags().StringVar(&backfillSource, "source", "", "source_version tag for written rows (default backfill)")
	backfillCmd.Flags().BoolVar(&backfillJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(backfillCmd)
}

func runBackfill(cmd *cobra.Command, _ []string) error {
	if backfillAll == (len(backfillTargets) > 0) {
		return errors.New("specify either --target or --all")
	}

	targets := make([]service.BackfillTarget, 0, len(backfillTargets))
	for _, raw := range backfillTargets {
		target, err := service.ParseBackfillTarget(raw)
		if err != nil {
			return err
		}
		targets = append(targets, target)
	}

	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	reconciler := service.NewBackfillReconciler(rt.db, rt.log, service.BackfillOptions{SourceVersion: backfillSource})
	out := cmd.OutOrStdout()

	if backfillAll {
		missing, excluded, err := reconciler.MissingTargets(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Found %d missing weeks (%d non-Monday weeks excluded)\n", len(missing), excluded)
		targets = missing
	}

	if backfillDryRun {
		for _, target := range targets {
			fmt.Fprintf(out, "  would backfill %s\n", target)
		}
		return nil
	}

	summary, err := reconciler.Backfill(cmd.Context(), targets)
	if err != nil {
		return err
	}

	if backfillJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
	} else {
		printBackfillSummary(cmd, summary)
	}

	if summary.HasFailures() {
		return &exitError{code: 1}
	}
	return nil
}

func printBackfillSummary(cmd *cobra.Command, summary *service.BackfillSummary) {
	out := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tOUTCOME\tHABITS\tRECORDS\tREASON")
	for _, result := range summary.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			result.Target, result.Outcome, result.HabitsCreated, result.RecordsCreated, result.Reason)
	}
	tw.Flush()

	fmt.Fprintf(out, "\nSucceeded: %d  Skipped: %d  Failed: %d\n", summary.Succeeded, summary.Skipped, summary.Failed)
	fmt.Fprintf(out, "Missing weeks: %d -> %d", summary.Before.Missing, summary.After.Missing)
	switch {
	case summary.After.Missing < summary.Before.Missing:
		fmt.Fprintln(out, " (improved)")
	case summary.Improved:
		fmt.Fprintln(out, " (unchanged)")
	default:
		fmt.Fprintln(out, " (regressed)")
	}
}
