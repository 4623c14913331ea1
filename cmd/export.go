package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/parker/internal/server"
)

// newExportCmd creates the 'export' subcommand, which writes a backup bundle.
func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes a zip bundle of every record and artifact",
		Long: `Writes records.json and every artifact file into a zip bundle. Without --out the
bundle goes to backup.dir (and to GCS when backup.gcs_bucket is set).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExportCommand(cmd, out)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the bundle to this path instead of backup.dir")
	return cmd
}

func runExportCommand(cmd *cobra.Command, out string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	core, err := server.BuildCore(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}
	defer core.Close()

	if out == "" {
		res, err := core.Exporter.Export(cmd.Context())
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d captures, %d artifacts, %d bytes)\n",
			res.Path, res.Manifest.Captures, res.Manifest.Artifacts, res.Size)
		if res.URI != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s\n", res.URI)
		}
		return nil
	}

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create bundle: %w", err)
	}
	m, err := core.Exporter.WriteTo(cmd.Context(), f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("export: %w", err)
	}
	if len(m.Missing) > 0 {
		e.logger.Warn("artifacts missing from bundle", zap.Strings("paths", m.Missing))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d captures, %d artifacts)\n", out, m.Captures, m.Artifacts)
	return nil
}
