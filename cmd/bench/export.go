package main

import (
	"fmt"
	"io"
	"os"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/report"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store/sqlite"
	"github.com/spf13/cobra"
)

type exportOptions struct {
	StorePath  string
	RunID      string
	OutPath    string
	Aggregates bool
	GroupBy    []string
}

func newExportCommand() *cobra.Command {
	opts := &exportOptions{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the records or aggregates of a stored run as CSV",
		Example: `  bench export --store results/bench.db --run 6f1c... > run.csv
  bench export --store results/bench.db --run 6f1c... --aggregates --group-by security_level,kind`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return export(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.StorePath, "store", "results/bench.db", "SQLite result store")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run identifier")
	cmd.Flags().StringVarP(&opts.OutPath, "out", "o", "", "output file (stdout when empty)")
	cmd.Flags().BoolVar(&opts.Aggregates, "aggregates", false, "export aggregate statistics instead of raw records")
	cmd.Flags().StringSliceVar(&opts.GroupBy, "group-by", []string{"security_level", "category"}, "aggregation dimensions")
	_ = cmd.MarkFlagRequired("run")

	return cmd
}

func export(cmd *cobra.Command, opts *exportOptions) error {
	ctx := cmd.Context()

	st, err := sqlite.Open(opts.StorePath)
	if err != nil {
		return fmt.Errorf("open result store: %w", err)
	}
	defer closeStore(st)

	if _, err := st.Run(ctx, opts.RunID); err != nil {
		return fmt.Errorf("run %q: %w", opts.RunID, err)
	}
	records, err := st.Records(ctx, store.Filter{RunID: opts.RunID})
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	reg := baseline.FromRecords(records)

	var w io.Writer = cmd.OutOrStdout()
	if opts.OutPath != "" {
		f, err := os.Create(opts.OutPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.OutPath, err)
		}
		defer f.Close()
		w = f
	}

	if opts.Aggregates {
		stats := aggregate.Aggregate(aggregate.Uncontended(records, opts.GroupBy), opts.GroupBy, aggregate.WithBaselines(reg))
		return report.WriteAggregatesCSV(w, stats)
	}
	return report.WriteRecordsCSV(w, records, reg)
}
