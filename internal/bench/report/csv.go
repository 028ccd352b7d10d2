package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/pkg/utils"
)

var recordColumns = []string{
	"timestamp", "run_id", "category", "backend", "labels", "duration_ms",
	"rows_returned", "success", "error_kind", "overhead_abs_ms", "overhead_pct",
}

// RecordBaselines is satisfied by *baseline.Registry.
type RecordBaselines interface {
	LookupFor(backend, category string) (runner.TrialSummary, bool)
}

// WriteRecordsCSV exports raw records. Overhead columns are filled for
// successful records whose backend and category have a baseline and left
// empty otherwise.
func WriteRecordsCSV(w io.Writer, records []runner.TrialRecord, baselines RecordBaselines) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(recordColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, r := range records {
		var abs, pct string
		if r.Success && baselines != nil {
			if base, ok := baselines.LookupFor(r.Backend, r.Category); ok && base.HasSamples() {
				o := overhead.FromMeans(r.Duration, base.Latency.Mean)
				abs = fmtMillis(o.Absolute)
				if o.Defined() {
					pct = fmtFloat(o.Percentage)
				}
			}
		}
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.RunID,
			r.Category,
			r.Backend,
			FormatLabels(r.Labels),
			fmtMillis(r.Duration),
			strconv.FormatInt(r.RowsReturned, 10),
			strconv.FormatBool(r.Success),
			string(r.ErrorKind),
			abs,
			pct,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", r.ID, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

var aggregateColumns = []string{
	"group", "count", "successes", "failures", "failure_rate", "mean_ms", "p50_ms",
	"p75_ms", "p90_ms", "p95_ms", "p99_ms", "stddev_ms", "index_access", "scan_access",
	"index_speedup", "cache_hit_ratio", "throughput_rows_per_sec", "overhead_abs_ms",
	"overhead_pct", "baseline_mismatch",
}

func WriteAggregatesCSV(w io.Writer, stats []aggregate.Stat) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(aggregateColumns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, s := range stats {
		var speedup, cache, abs, pct string
		if s.IndexSpeedup != nil {
			speedup = fmtFloat(*s.IndexSpeedup)
		}
		if s.CacheHitRatio != nil {
			cache = fmtFloat(*s.CacheHitRatio)
		}
		if s.Overhead != nil && s.Overhead.Status != overhead.StatusNoBaseline {
			abs = fmtMillis(s.Overhead.Absolute)
			if s.Overhead.Defined() {
				pct = fmtFloat(s.Overhead.Percentage)
			}
		}
		row := []string{
			s.Key.String(),
			strconv.Itoa(s.Count),
			strconv.Itoa(s.Successes),
			strconv.Itoa(s.Failures),
			fmtFloat(s.FailureRate),
			fmtFloat(s.Latency.MeanMillis()),
			fmtMillis(s.Latency.P50()),
			fmtMillis(s.Latency.P75()),
			fmtMillis(s.Latency.P90()),
			fmtMillis(s.Latency.P95()),
			fmtMillis(s.Latency.P99()),
			fmtMillis(s.Latency.Stddev),
			strconv.Itoa(s.IndexAccess),
			strconv.Itoa(s.ScanAccess),
			speedup,
			cache,
			fmtFloat(s.Throughput),
			abs,
			pct,
			strconv.FormatBool(s.BaselineMismatch),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row %s: %w", s.Key, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// FormatLabels renders labels as sorted "k=v;k=v".
func FormatLabels(labels map[string]string) string {
	keys := slices.Sorted(maps.Keys(labels))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + labels[k]
	}
	return strings.Join(parts, ";")
}

func fmtMillis(d time.Duration) string {
	return fmtFloat(float64(d) / float64(time.Millisecond))
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(utils.RoundDecimal(v, 3), 'f', -1, 64)
}
