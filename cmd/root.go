// Package cmd defines and implements the CLI commands for the parker executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/config"
	"github.com/JakeFAU/parker/internal/server"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what PersistentPreRunE prepares for every subcommand.
type env struct {
	cfg    *config.Config
	logger *zap.Logger
}

// newLogger is the logger factory. It's a variable so tests can silence output.
var newLogger = server.NewLogger

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "parker",
		Short: "A self-hosted web archiver.",
		Long: `parker captures web pages as HTML, full-page screenshots, WARC records and
optional PDFs, verifies their checksums on a schedule, and serves the archive
over a small HTTP API.`,
		SilenceUsage: true,

		// Loads configuration and the logger before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(&cfg)
			if err != nil {
				return err
			}
			ctx := context.WithValue(cmd.Context(), envKey, &env{cfg: &cfg, logger: logger})
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
