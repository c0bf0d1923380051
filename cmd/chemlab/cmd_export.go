package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chemlab/internal/adapters/reports"
	"chemlab/internal/blob"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export persisted results as JSON and CSV reports",
		Long: `Write every result in the configured result store to blob storage under
reports/<kind>/<id>.json and .csv. Reports that already exist are skipped.

Examples:
  chemlab export
  CHEMLAB_BLOB_DRIVER=s3 CHEMLAB_BLOB_S3_BUCKET=lab-reports chemlab export
  chemlab export --kind titration --id 7f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			svc, closeFn, err := a.openService(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			store, err := blob.Open(ctx, a.cfg.BlobOptions())
			if err != nil {
				return fmt.Errorf("opening blob store: %w", err)
			}
			exporter := reports.NewExporter(svc.Results(), store, a.logger)

			kind, _ := cmd.Flags().GetString("kind")
			id, _ := cmd.Flags().GetString("id")
			var summary reports.Summary
			if id != "" {
				arts, err := exporter.ExportInstance(ctx, reports.Kind(kind), id)
				if err != nil {
					return err
				}
				for _, art := range arts {
					if art.Skipped {
						summary.Skipped++
					} else {
						summary.Written++
					}
				}
				summary.Artifacts = arts
			} else {
				if summary, err = exporter.ExportAll(ctx); err != nil {
					return err
				}
			}

			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			out := cmd.OutOrStdout()
			for _, art := range summary.Artifacts {
				status := "written"
				if art.Skipped {
					status = "exists"
				}
				fmt.Fprintf(out, "%-8s %s (%d bytes)\n", status, art.Key, art.Size)
			}
			fmt.Fprintf(out, "%d written, %d skipped (%s)\n", summary.Written, summary.Skipped, store.Driver())
			return nil
		},
	}
	cmd.Flags().String("kind", string(reports.KindTitration), "Result kind when exporting a single --id")
	cmd.Flags().String("id", "", "Export only this result id")
	return cmd
}
