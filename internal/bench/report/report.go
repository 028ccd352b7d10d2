package report

import (
	"strconv"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/concurrency"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/recommend"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
)

type Input struct {
	Meta        BenchMeta
	Summaries   []runner.TrialSummary
	// Entries are summaries whose overhead was already evaluated while the
	// run progressed; they are reported as-is after Summaries.
	Entries     []SummaryEntry
	Concurrency []concurrency.Report
	Records     []runner.TrialRecord
	GroupBy     []string
	Baselines   *baseline.Registry
	Thresholds  recommend.Thresholds
}

// Generate derives overheads, aggregates and recommendations from the raw
// outcome of a run. A nil registry is rebuilt from the records.
func Generate(in Input) *Report {
	reg := in.Baselines
	if reg == nil {
		reg = baseline.FromRecords(in.Records)
	}
	calc := overhead.NewCalculator(reg)

	r := &Report{
		Meta:        in.Meta,
		Concurrency: in.Concurrency,
		GroupBy:     in.GroupBy,
		Baselines:   reg.Entries(),
	}

	r.Summaries = make([]SummaryEntry, 0, len(in.Summaries)+len(in.Entries))
	for _, s := range in.Summaries {
		r.Summaries = append(r.Summaries, SummaryEntry{
			TrialSummary: s,
			Overhead:     calc.ForSummary(s),
		})
	}
	r.Summaries = append(r.Summaries, in.Entries...)

	records := aggregate.Uncontended(in.Records, in.GroupBy)
	r.Aggregates = aggregate.Aggregate(records, in.GroupBy, aggregate.WithBaselines(reg))
	r.Recommendations = recommend.Evaluate(r.Aggregates, in.Thresholds)

	return r
}

func itoa(n int) string { return strconv.Itoa(n) }
