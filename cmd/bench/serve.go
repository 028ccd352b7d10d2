package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/DjordjeVuckovic/policy-bench/internal/api/router"
	"github.com/DjordjeVuckovic/policy-bench/internal/api/server"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/harness"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/spec"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store/sqlite"
	pkgserver "github.com/DjordjeVuckovic/policy-bench/pkg/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	StorePath     string
	BaselinesPath string
}

func newServeCommand() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve stored runs, aggregates and recommendations over HTTP",
		Long: `serve exposes the result store over HTTP. PORT, CORS_ORIGINS and
BENCH_STORE are read from the environment or a .env file; flags win.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.StorePath, "store", "", "SQLite result store (overrides BENCH_STORE)")
	cmd.Flags().StringVar(&opts.BaselinesPath, "baselines", "", "badger baseline directory; runs use their own baselines when empty")

	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	cfg, err := server.LoadConfig()
	if err != nil {
		return fmt.Errorf("load server config: %w", err)
	}
	if opts.StorePath != "" {
		cfg.StorePath = opts.StorePath
	}

	st, err := sqlite.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer closeStore(st)

	var routerOpts []router.Option
	if opts.BaselinesPath != "" {
		reg, closeBaselines, err := harness.OpenBaselines(ctx, spec.OutputConfig{Baselines: opts.BaselinesPath})
		if err != nil {
			return fmt.Errorf("open baselines: %w", err)
		}
		defer func() { _ = closeBaselines() }()
		routerOpts = append(routerOpts, router.WithBaselines(reg))
	}

	storeChecker := pkgserver.NewFuncHealthChecker("store", func(ctx context.Context) error {
		_, err := st.Runs(ctx)
		return err
	})

	s := server.New(cfg, pkgserver.NewOkHealthChecker(), storeChecker).
		SetupMiddlewares().
		SetupErrorHandler().
		SetupHealthChecks("/health").
		SetupMetrics("/metrics")

	router.NewReportRouter(s.Echo, st, routerOpts...).Bind()

	slog.Info("Serving results", "port", cfg.Port, "store", cfg.StorePath)
	if err := s.Start(ctx); err != nil {
		return err
	}
	slog.Info("Server stopped")
	return nil
}
