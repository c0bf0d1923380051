package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"chemlab/internal/catalog"
	"chemlab/internal/config"
	"chemlab/internal/core"
	"chemlab/internal/logging"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "chemlab",
		Short: "Chemistry lab simulation core",
		Long: `chemlab simulates reaction kinetics, acid-base titrations, instrument
measurements and weighted assessment for a virtual chemistry laboratory.

Configuration is read from $CHEMLAB_CONFIG or ./chemlab.yaml, then
overridden by CHEMLAB_* environment variables.`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("config", "", "Path to a chemlab.yaml config file")
	rootCmd.PersistentFlags().String("catalog", "", "Path to a catalog file (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error")

	rootCmd.AddCommand(
		newVersionCmd(),
		newCatalogCmd(),
		newReactCmd(),
		newTitrateCmd(),
		newMeasureCmd(),
		newFlameCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]string{"version": version})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chemlab version %s\n", version)
			return nil
		},
	}
}

// app bundles what every command needs after flags and config are resolved.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	catalog *catalog.Repository
	audit   *logging.AuditLog
}

func loadApp(cmd *cobra.Command) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFromFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Flags().GetString("catalog"); path != "" {
		cfg.Catalog.Path = path
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())

	var repo *catalog.Repository
	if cfg.Catalog.Path != "" {
		repo = catalog.NewFile(cfg.Catalog.Path)
		if err := repo.LoadAll(cmd.Context()); err != nil {
			return nil, fmt.Errorf("loading catalog %s: %w", cfg.Catalog.Path, err)
		}
	} else {
		repo, err = catalog.Default()
		if err != nil {
			return nil, err
		}
	}

	audit, err := logging.OpenAuditLog(cfg.Logging.AuditPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &app{cfg: cfg, logger: logger, catalog: repo, audit: audit}, nil
}

// openService builds a service over the configured result store. The returned
// close function releases the store and the audit log.
func (a *app) openService(ctx context.Context, opts ...core.Option) (*core.Service, func() error, error) {
	results, err := core.OpenResultStore(ctx, a.cfg.StorageOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("opening result store: %w", err)
	}
	base := []core.Option{
		core.WithLogger(a.logger),
		core.WithLimits(a.cfg.Limits()),
	}
	if a.audit != nil {
		base = append(base, core.WithAuditRecorder(a.audit))
	}
	svc := core.NewService(a.catalog, results, append(base, opts...)...)
	closeFn := func() error {
		var errs []error
		if c, ok := results.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		errs = append(errs, a.audit.Close())
		return errors.Join(errs...)
	}
	return svc, closeFn, nil
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
