package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/parker/internal/server"
)

// errIntegrityProblems makes 'verify' exit non-zero when any artifact failed.
var errIntegrityProblems = errors.New("integrity problems found")

// newVerifyCmd creates the 'verify' subcommand, which runs one integrity
// sweep and prints a summary.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Re-hashes every artifact once",
		RunE:  runVerifyCommand,
	}
}

func runVerifyCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	core, err := server.BuildCore(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer core.Close()

	report, err := core.Checker.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("integrity sweep: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "checked %d artifacts: %d ok, %d mismatch, %d missing (%s)\n",
		report.Checked, report.OK, report.Mismatch, report.Missing,
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	for _, p := range report.Problems {
		fmt.Fprintf(out, "  %s %s/%s (artifact %s): %s\n", p.Outcome, p.CaptureID, p.Kind, p.ArtifactID, p.Detail)
	}
	if !report.Healthy() {
		return errIntegrityProblems
	}
	return nil
}
