package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

func WriteTable(r *Report, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "\n=== Access Control Overhead Benchmark ===\n")
	if r.Meta.RunID != "" {
		fmt.Fprintf(tw, "Run %s (%s)\n", r.Meta.RunID, r.Meta.Timestamp.Format(time.RFC3339))
	}
	fmt.Fprintln(tw)

	writeSummaryTable(tw, r)
	writeConcurrencyTable(tw, r)
	writeAggregateTable(tw, r)
	writeRecommendations(tw, r)

	tw.Flush()
}

func writeHeader(tw *tabwriter.Writer, header ...string) {
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	fmt.Fprintln(tw, strings.Join(sep, "\t"))
}

func writeSummaryTable(tw *tabwriter.Writer, r *Report) {
	if len(r.Summaries) == 0 {
		return
	}
	fmt.Fprintf(tw, "Workload Summaries\n\n")
	writeHeader(tw, "Workload", "Category", "Backend", "Level", "Mean", "p50", "p95", "p99", "Stddev", "Rows/s", "Fail%", "Overhead")

	for _, s := range r.Summaries {
		row := []string{
			s.WorkloadID,
			s.Category,
			s.Backend,
			s.Labels[workload.LabelSecurityLevel],
			fmtDuration(s.Latency.Mean),
			fmtDuration(s.Latency.P50()),
			fmtDuration(s.Latency.P95()),
			fmtDuration(s.Latency.P99()),
			fmtDuration(s.Latency.Stddev),
			fmt.Sprintf("%.1f", s.Throughput),
			fmt.Sprintf("%.1f", s.FailureRate),
			fmtOverhead(&s.Overhead),
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	fmt.Fprintln(tw)
}

func writeConcurrencyTable(tw *tabwriter.Writer, r *Report) {
	if len(r.Concurrency) == 0 {
		return
	}
	fmt.Fprintf(tw, "Concurrent Load\n\n")
	writeHeader(tw, "Workload", "Backend", "Workers", "Attempted", "Failed", "Wall", "Ops/s", "Mean", "p95", "p99")

	for _, c := range r.Concurrency {
		row := []string{
			c.WorkloadID,
			c.Backend,
			fmt.Sprintf("%d", c.Workers),
			fmt.Sprintf("%d", c.Attempted),
			fmt.Sprintf("%d", c.Failed),
			fmtDuration(c.WallTime),
			fmt.Sprintf("%.1f", c.Throughput),
			fmtDuration(c.Latency.Mean),
			fmtDuration(c.Latency.P95()),
			fmtDuration(c.Latency.P99()),
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	fmt.Fprintln(tw)
}

func writeAggregateTable(tw *tabwriter.Writer, r *Report) {
	if len(r.Aggregates) == 0 {
		return
	}
	fmt.Fprintf(tw, "Aggregates by %s\n\n", strings.Join(r.GroupBy, ", "))
	writeHeader(tw, "Group", "Count", "Fail%", "Mean", "p75", "p90", "p99", "Index/Scan", "Speedup", "Cache%", "Overhead")

	for _, s := range r.Aggregates {
		cache, speedup := "-", "-"
		if s.CacheHitRatio != nil {
			cache = fmt.Sprintf("%.1f", *s.CacheHitRatio)
		}
		if s.IndexSpeedup != nil {
			speedup = fmt.Sprintf("%.1fx", *s.IndexSpeedup)
		}
		row := []string{
			s.Key.String(),
			fmt.Sprintf("%d", s.Count),
			fmt.Sprintf("%.1f", s.FailureRate),
			fmtDuration(s.Latency.Mean),
			fmtDuration(s.Latency.P75()),
			fmtDuration(s.Latency.P90()),
			fmtDuration(s.Latency.P99()),
			fmt.Sprintf("%d/%d", s.IndexAccess, s.ScanAccess),
			speedup,
			cache,
			fmtOverhead(s.Overhead),
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	fmt.Fprintln(tw)
}

func writeRecommendations(tw *tabwriter.Writer, r *Report) {
	fmt.Fprintf(tw, "Recommendations\n\n")
	if len(r.Recommendations) == 0 {
		fmt.Fprintln(tw, "none")
		fmt.Fprintln(tw)
		return
	}
	writeHeader(tw, "Severity", "Rule", "Group", "Condition", "Message")
	for _, rec := range r.Recommendations {
		row := []string{
			strings.ToUpper(string(rec.Severity)),
			rec.Rule,
			rec.Category,
			rec.Condition,
			rec.Message,
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	fmt.Fprintln(tw)
}

func fmtOverhead(o *overhead.Overhead) string {
	if o == nil {
		return "-"
	}
	switch o.Status {
	case overhead.StatusNoBaseline:
		return "no baseline"
	case overhead.StatusUndefined:
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%% (%s)", o.Percentage, fmtSigned(o.Absolute))
}

func fmtSigned(d time.Duration) string {
	if d == 0 {
		return "0"
	}
	if d < 0 {
		return "-" + fmtDuration(-d)
	}
	return "+" + fmtDuration(d)
}

func fmtDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
