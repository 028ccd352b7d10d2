package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline/badgerstore"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/report"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/spec"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store/influx"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store/sqlite"
)

// OpenStore returns the SQLite store when a path is configured, otherwise an
// in-memory one, mirrored to InfluxDB when an influx sink is configured.
func OpenStore(ctx context.Context, out spec.OutputConfig) (store.Store, error) {
	var primary store.Store
	if out.Store != "" {
		if dir := filepath.Dir(out.Store); dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
		s, err := sqlite.Open(out.Store)
		if err != nil {
			return nil, err
		}
		primary = s
	} else {
		primary = store.NewMemory()
	}

	if out.Influx == nil {
		return primary, nil
	}
	pub, err := influx.NewPublisher(ctx, influx.Config{
		URL:    out.Influx.URL,
		Token:  out.Influx.Token,
		Org:    out.Influx.Org,
		Bucket: out.Influx.Bucket,
	})
	if err != nil {
		_ = primary.Close()
		return nil, err
	}
	return store.Tee(primary, pub), nil
}

// OpenBaselines returns a registry persisted in badger when a directory is
// configured. The returned func closes the backing store.
func OpenBaselines(ctx context.Context, out spec.OutputConfig) (*baseline.Registry, func() error, error) {
	if out.Baselines == "" {
		return baseline.NewRegistry(), func() error { return nil }, nil
	}

	st, err := badgerstore.Open(badgerstore.Config{
		Path:       out.Baselines,
		SyncWrites: true,
		Logger:     slog.Default(),
	})
	if err != nil {
		return nil, nil, err
	}
	reg, err := baseline.NewPersistentRegistry(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	slog.Info("Loaded baselines", "path", out.Baselines, "categories", reg.Categories())
	return reg, st.Close, nil
}

// WriteOutputs writes the file outputs enabled in the plan and returns the
// paths written.
func WriteOutputs(rep *report.Report, records []runner.TrialRecord, plan *spec.BenchSpec) ([]string, error) {
	out := plan.Output
	if !out.JSON && !out.CSV && !out.Chart {
		return nil, nil
	}
	if err := os.MkdirAll(out.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	prefix := filepath.Join(out.Dir, rep.Meta.RunID)
	var written []string

	if out.JSON {
		path := prefix + ".json"
		if err := report.WriteJSON(rep, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if out.CSV {
		path := prefix + "_records.csv"
		if err := writeFile(path, func(f *os.File) error {
			return report.WriteRecordsCSV(f, records, baselineLookup(rep.Baselines))
		}); err != nil {
			return written, err
		}
		written = append(written, path)

		path = prefix + "_aggregates.csv"
		if err := writeFile(path, func(f *os.File) error {
			return report.WriteAggregatesCSV(f, rep.Aggregates)
		}); err != nil {
			return written, err
		}
		written = append(written, path)
	}

	if out.Chart {
		path := prefix + "_overhead.png"
		t := plan.Report.Thresholds
		err := report.WriteOverheadChart(rep.Aggregates, t.OverheadWarning, t.OverheadCritical, path)
		switch {
		case errors.Is(err, report.ErrNoOverhead):
			slog.Info("Skipping overhead chart, no group has a defined overhead")
		case err != nil:
			return written, err
		default:
			written = append(written, path)
		}
	}

	return written, nil
}

func writeFile(path string, fn func(f *os.File) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// baselineLookup serves the report's baseline snapshot so CSV overheads match
// the ones in the report.
type baselineLookup []baseline.Entry

func (b baselineLookup) LookupFor(backend, category string) (runner.TrialSummary, bool) {
	var (
		fallback runner.TrialSummary
		found    bool
	)
	for _, e := range b {
		if e.Category != category {
			continue
		}
		switch e.Provenance.Backend {
		case backend:
			return e.Summary, true
		case "":
			fallback, found = e.Summary, true
		}
	}
	return fallback, found
}
