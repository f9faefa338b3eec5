package cli

import (
	"encoding/json"
	"fmt"

	"github.com/habitlog/internal/service"
	"github.com/spf13/cobra"
)

var (
	verifySample   int
	verifyExpected string
	verifyJSON     bool
	verifyStrict   bool
	verifyNoAlert  bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Compare the legacy and normalized stores and report drift",
	Long: `Run one consistency check: row counts, a random sample of legacy weeks
compared field by field, source-version tags and orphaned child rows.

Exits 2 when drift above LOW severity is found (any issue with --strict),
so the command can run from cron and page on failure.

Examples:
  habitctl verify
  habitctl verify --sample 200 --json
  habitctl verify --strict --no-alert`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().IntVar(&verifySample, "sample", 0, "Number of legacy weeks to sample (default from config)")
	verifyCmd.Flags().StringVar(&verifyExpected, "expected-source", "", "Expected source_version tag (default from config)")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the report as JSON instead of Markdown")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "Fail on any issue, including LOW severity")
	verifyCmd.Flags().BoolVar(&verifyNoAlert, "no-alert", false, "Skip the alert webhook")
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, _ []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	opts := service.VerifierOptions{
		SampleSize:            rt.cfg.VerifySampleSize,
		ExpectedSourceVersion: rt.cfg.ExpectedSourceVersion,
	}
	if verifySample > 0 {
		opts.SampleSize = verifySample
	}
	if verifyExpected != "" {
		opts.ExpectedSourceVersion = verifyExpected
	}

	var notifier service.AlertNotifier
	if !verifyNoAlert && rt.cfg.AlertWebhookURL != "" {
		notifier = service.NewWebhookNotifier(rt.cfg.AlertWebhookURL, rt.log)
	}

	report, err := service.NewConsistencyVerifier(rt.db, rt.log, notifier, opts).Verify(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if verifyJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		fmt.Fprint(out, service.RenderReportMarkdown(report))
	}

	if !report.Consistent || (verifyStrict && len(report.Issues) > 0) {
		return &exitError{code: 2}
	}
	return nil
}
