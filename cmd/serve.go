package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/parker/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the API, the worker
// pool, the scheduler and the integrity checker until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the archiver service",
		Long: `Starts the HTTP API together with the capture worker pool, the schedule
runner and the periodic integrity checker. Captures interrupted by a previous
shutdown are resumed on start.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run service: %w", err)
	}
	return nil
}
