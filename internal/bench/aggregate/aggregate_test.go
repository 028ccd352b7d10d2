package aggregate

import (
	"fmt"
	"testing"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(category, level string, d time.Duration, ok bool, extra map[string]string) runner.TrialRecord {
	labels := map[string]string{workload.LabelSecurityLevel: level}
	for k, v := range extra {
		labels[k] = v
	}
	return runner.TrialRecord{
		Category:   category,
		Kind:       workload.KindSimpleFilter,
		Backend:    "pg",
		Labels:     labels,
		Duration:   d,
		Success:    ok,
		AccessPath: engine.AccessIndex,
	}
}

func TestAggregate_Partition(t *testing.T) {
	var records []runner.TrialRecord
	levels := []string{"none", "basic", "department", "patient"}
	for i := 0; i < 37; i++ {
		extra := map[string]string{}
		if i%3 == 0 {
			extra[workload.LabelPolicyComplexity] = "complex"
		}
		records = append(records, record(fmt.Sprintf("cat%d", i%2), levels[i%4], time.Millisecond, i%7 != 0, extra))
	}

	tests := []struct {
		name    string
		groupBy []string
	}{
		{"no dimensions", nil},
		{"single label", []string{workload.LabelSecurityLevel}},
		{"label and builtin", []string{workload.LabelSecurityLevel, DimCategory}},
		{"sparse label", []string{workload.LabelPolicyComplexity, DimBackend}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := Aggregate(records, tt.groupBy)
			total := 0
			for _, s := range stats {
				assert.GreaterOrEqual(t, s.Count, 1)
				assert.Equal(t, s.Count, s.Successes+s.Failures)
				total += s.Count
			}
			assert.Equal(t, len(records), total)
		})
	}
}

func TestAggregate_UnsetBucket(t *testing.T) {
	records := []runner.TrialRecord{
		record("simple_select", "none", time.Millisecond, true, map[string]string{workload.LabelBatchSize: "1000"}),
		record("simple_select", "none", time.Millisecond, true, nil),
	}

	stats := Aggregate(records, []string{workload.LabelBatchSize})
	require.Len(t, stats, 2)
	assert.Equal(t, "batch_size=1000", stats[0].Key.String())
	assert.Equal(t, "batch_size=<unset>", stats[1].Key.String())
	v, ok := stats[1].Key.Value(workload.LabelBatchSize)
	assert.True(t, ok)
	assert.Equal(t, Unset, v)
}

func TestAggregate_Statistics(t *testing.T) {
	hit := 80.0
	scan := record("c", "basic", 30*time.Millisecond, true, nil)
	scan.AccessPath = engine.AccessScan
	scan.CacheHitRatio = &hit
	scan.RowsReturned = 30

	records := []runner.TrialRecord{
		record("c", "basic", 10*time.Millisecond, true, nil),
		record("c", "basic", 0, false, nil),
		scan,
	}
	records[0].RowsReturned = 10

	stats := Aggregate(records, []string{workload.LabelSecurityLevel})
	require.Len(t, stats, 1)
	s := stats[0]

	assert.Equal(t, 3, s.Count)
	assert.Equal(t, 1, s.Failures)
	assert.InDelta(t, 33.33, s.FailureRate, 0.01)
	assert.Equal(t, 20*time.Millisecond, s.Latency.Mean)
	assert.Equal(t, 2, s.IndexAccess)
	assert.Equal(t, 1, s.ScanAccess)
	require.NotNil(t, s.CacheHitRatio)
	assert.Equal(t, 80.0, *s.CacheHitRatio)
	assert.Equal(t, 20.0, s.MeanRows)
	assert.Nil(t, s.Overhead)
	assert.Equal(t, []string{"c"}, s.Categories)
}

func TestAggregate_WithBaselines(t *testing.T) {
	reg := baseline.NewRegistry()
	reg.Record("simple_select", runner.TrialSummary{
		Category: "simple_select",
		Labels:   map[string]string{workload.LabelDataVolume: "50k"},
		Latency:  runner.ComputeLatencyStats([]time.Duration{10 * time.Millisecond}),
	})

	records := []runner.TrialRecord{
		record("simple_select", "department", 15*time.Millisecond, true, map[string]string{workload.LabelDataVolume: "50k"}),
		record("simple_select", "department", 15*time.Millisecond, true, map[string]string{workload.LabelDataVolume: "50k"}),
		record("window", "patient", 15*time.Millisecond, true, nil),
		record("simple_select", "full", 40*time.Millisecond, true, map[string]string{workload.LabelDataVolume: "500k"}),
	}

	stats := Aggregate(records, []string{workload.LabelSecurityLevel}, WithBaselines(reg))
	require.Len(t, stats, 3)

	byLevel := make(map[string]Stat)
	for _, s := range stats {
		v, _ := s.Key.Value(workload.LabelSecurityLevel)
		byLevel[v] = s
	}

	dept := byLevel["department"]
	require.NotNil(t, dept.Overhead)
	assert.Equal(t, 5*time.Millisecond, dept.Overhead.Absolute)
	assert.InDelta(t, 33.33, dept.Overhead.Percentage, 0.01)
	assert.False(t, dept.BaselineMismatch)

	assert.Nil(t, byLevel["patient"].Overhead)

	full := byLevel["full"]
	require.NotNil(t, full.Overhead)
	assert.InDelta(t, 75.0, full.Overhead.Percentage, 0.01)
	assert.True(t, full.BaselineMismatch)
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, Aggregate(nil, []string{DimCategory}))
}

func TestAggregate_BaselinePerBackend(t *testing.T) {
	reg := baseline.NewRegistry()
	for backend, mean := range map[string]time.Duration{"pg": 10 * time.Millisecond, "es": 100 * time.Millisecond} {
		reg.Record("simple_select", runner.TrialSummary{
			Category: "simple_select",
			Backend:  backend,
			Latency:  runner.ComputeLatencyStats([]time.Duration{mean}),
		})
	}

	on := func(backend, level string, d time.Duration) runner.TrialRecord {
		r := record("simple_select", level, d, true, nil)
		r.Backend = backend
		return r
	}
	records := []runner.TrialRecord{
		on("pg", "none", 10*time.Millisecond),
		on("pg", "department", 15*time.Millisecond),
		on("es", "none", 100*time.Millisecond),
		on("es", "department", 150*time.Millisecond),
		on("influx", "department", 20*time.Millisecond),
	}

	stats := Aggregate(records, []string{DimBackend, workload.LabelSecurityLevel}, WithBaselines(reg))
	byKey := make(map[string]Stat)
	for _, s := range stats {
		byKey[s.Key.String()] = s
	}

	tests := []struct {
		key     string
		defined bool
		pct     float64
	}{
		{"backend=pg,security_level=none", true, 0},
		{"backend=pg,security_level=department", true, 33.33},
		{"backend=es,security_level=none", true, 0},
		{"backend=es,security_level=department", true, 33.33},
		{"backend=influx,security_level=department", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			s, ok := byKey[tt.key]
			require.True(t, ok)
			if !tt.defined {
				assert.Nil(t, s.Overhead)
				return
			}
			require.NotNil(t, s.Overhead)
			assert.InDelta(t, tt.pct, s.Overhead.Percentage, 0.01)
		})
	}

	mixed := Aggregate(records[:4], []string{workload.LabelSecurityLevel}, WithBaselines(reg))
	require.Len(t, mixed, 2)
	dept := mixed[0]
	assert.Equal(t, []string{"es", "pg"}, dept.Backends)
	require.NotNil(t, dept.Overhead)
	// (15+150)/2 against (10+100)/2
	assert.InDelta(t, 33.33, dept.Overhead.Percentage, 0.01)
}

func TestUncontended(t *testing.T) {
	seq := record("simple_select", "department", 15*time.Millisecond, true, nil)
	loaded := record("simple_select", "department", 40*time.Millisecond, true, map[string]string{workload.LabelConcurrency: "16"})
	records := []runner.TrialRecord{seq, seq, loaded}

	tests := []struct {
		name    string
		groupBy []string
		want    int
	}{
		{"load dropped by default", []string{workload.LabelSecurityLevel, DimCategory}, 2},
		{"kept when grouped by concurrency", []string{workload.LabelConcurrency, DimCategory}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, Uncontended(records, tt.groupBy), tt.want)
		})
	}

	reg := baseline.NewRegistry()
	reg.Record("simple_select", runner.TrialSummary{
		Category: "simple_select",
		Backend:  "pg",
		Latency:  runner.ComputeLatencyStats([]time.Duration{10 * time.Millisecond}),
	})
	groupBy := []string{workload.LabelSecurityLevel, DimCategory}
	stats := Aggregate(Uncontended(records, groupBy), groupBy, WithBaselines(reg))
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Count)
	require.NotNil(t, stats[0].Overhead)
	assert.InDelta(t, 33.33, stats[0].Overhead.Percentage, 0.01)
}

func TestAggregate_IndexSpeedup(t *testing.T) {
	scan := func(d time.Duration) runner.TrialRecord {
		r := record("c", "basic", d, true, nil)
		r.AccessPath = engine.AccessScan
		return r
	}
	tests := []struct {
		name    string
		records []runner.TrialRecord
		want    *float64
	}{
		{"index only", []runner.TrialRecord{record("c", "basic", 10*time.Millisecond, true, nil)}, nil},
		{"scan only", []runner.TrialRecord{scan(10 * time.Millisecond)}, nil},
		{"both", []runner.TrialRecord{
			record("c", "basic", 10*time.Millisecond, true, nil),
			record("c", "basic", 10*time.Millisecond, true, nil),
			scan(60 * time.Millisecond),
		}, ptr(6.0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := Aggregate(tt.records, nil)
			require.Len(t, stats, 1)
			if tt.want == nil {
				assert.Nil(t, stats[0].IndexSpeedup)
				return
			}
			require.NotNil(t, stats[0].IndexSpeedup)
			assert.InDelta(t, *tt.want, *stats[0].IndexSpeedup, 0.001)
		})
	}
}

func ptr(f float64) *float64 { return &f }
