package baseline

import (
	"sync"
	"testing"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summary(run string, mean time.Duration, finished time.Time, labels map[string]string) runner.TrialSummary {
	return runner.TrialSummary{
		RunID:      run,
		WorkloadID: "recent",
		Category:   "simple_select",
		Backend:    "pg",
		Labels:     labels,
		Attempts:   1,
		Latency:    runner.ComputeLatencyStats([]time.Duration{mean}),
		FinishedAt: finished,
	}
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("aggregation")
	assert.False(t, ok)
	_, ok = r.Entry("aggregation")
	assert.False(t, ok)
}

func TestRegistry_LastWriteWins(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	r.Record("simple_select", summary("run-1", 10*time.Millisecond, t0, map[string]string{"data_volume": "50k"}))
	r.Record("simple_select", summary("run-2", 30*time.Millisecond, t0.Add(time.Hour), map[string]string{"data_volume": "500k"}))

	got, ok := r.Lookup("simple_select")
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, got.Latency.Mean)

	e, ok := r.Entry("simple_select")
	require.True(t, ok)
	assert.Equal(t, "run-2", e.Provenance.RunID)
	assert.Equal(t, "500k", e.Provenance.DataVolume)
	assert.Equal(t, t0.Add(time.Hour), e.Provenance.CapturedAt)
	assert.Equal(t, []string{"simple_select"}, r.Categories())
}

func TestRegistry_ConcurrentCategories(t *testing.T) {
	r := NewRegistry()
	categories := []string{"simple_select", "aggregation", "join", "window"}

	var wg sync.WaitGroup
	for _, c := range categories {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				s := summary("run", time.Duration(i+1)*time.Millisecond, time.Now(), nil)
				s.Category = c
				r.Record(c, s)
				_, _ = r.Lookup(c)
			}
		}(c)
	}
	wg.Wait()

	assert.Len(t, r.Entries(), 4)
	for _, c := range categories {
		got, ok := r.Lookup(c)
		require.True(t, ok)
		assert.Equal(t, 50*time.Millisecond, got.Latency.Mean)
	}
}

func TestFromRecords(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := map[string]string{"security_level": "none", "data_volume": "50k"}
	secured := map[string]string{"security_level": "department"}

	rec := func(run string, at time.Time, d time.Duration, labels map[string]string, ok bool) runner.TrialRecord {
		return runner.TrialRecord{
			RunID: run, WorkloadID: "recent", Category: "simple_select", Backend: "pg",
			Labels: labels, Timestamp: at, Duration: d, Success: ok,
		}
	}

	records := []runner.TrialRecord{
		rec("new", t0.Add(2*time.Hour), 20*time.Millisecond, base, true),
		rec("old", t0, 10*time.Millisecond, base, true),
		rec("old", t0.Add(time.Second), 12*time.Millisecond, base, true),
		rec("new", t0.Add(2*time.Hour+time.Second), 22*time.Millisecond, base, true),
		rec("new", t0.Add(3*time.Hour), 90*time.Millisecond, secured, true),
		rec("failed", t0.Add(5*time.Hour), 0, base, false),
	}

	r := FromRecords(records)

	got, ok := r.Lookup("simple_select")
	require.True(t, ok)
	assert.Equal(t, 21*time.Millisecond, got.Latency.Mean)

	e, _ := r.Entry("simple_select")
	assert.Equal(t, "new", e.Provenance.RunID)
	assert.Equal(t, "50k", e.Provenance.DataVolume)
}

func TestRegistry_PerBackend(t *testing.T) {
	r := NewRegistry()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	pg := summary("run-1", 10*time.Millisecond, t0, nil)
	es := summary("run-1", 100*time.Millisecond, t0.Add(time.Minute), nil)
	es.Backend = "es"
	r.Record("simple_select", pg)
	r.Record("simple_select", es)

	tests := []struct {
		name    string
		backend string
		want    time.Duration
		found   bool
	}{
		{"pg keeps its own baseline", "pg", 10 * time.Millisecond, true},
		{"es keeps its own baseline", "es", 100 * time.Millisecond, true},
		{"no backend returns the newest", "", 100 * time.Millisecond, true},
		{"unknown backend has none", "influx", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := r.LookupFor(tt.backend, "simple_select")
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got.Latency.Mean)
			}
		})
	}

	assert.Equal(t, []string{"simple_select"}, r.Categories())
	require.Len(t, r.Entries(), 2)
	assert.Equal(t, "es", r.Entries()[0].Provenance.Backend)
}

func TestRegistry_EntryWithoutBackendMatchesAny(t *testing.T) {
	r := NewRegistry()
	s := summary("run-1", 10*time.Millisecond, time.Now(), nil)
	s.Backend = ""
	r.Record("simple_select", s)

	got, ok := r.LookupFor("pg", "simple_select")
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, got.Latency.Mean)
}

func TestFromRecords_SeparatesBackendsAndSkipsLoad(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	base := map[string]string{"security_level": "none"}
	loaded := map[string]string{"security_level": "none", "concurrency": "16"}

	rec := func(backend string, at time.Time, d time.Duration, labels map[string]string) runner.TrialRecord {
		return runner.TrialRecord{
			RunID: "run-1", WorkloadID: "recent@unsecured", Category: "simple_select", Backend: backend,
			Labels: labels, Timestamp: at, Duration: d, Success: true,
		}
	}

	r := FromRecords([]runner.TrialRecord{
		rec("pg", t0, 10*time.Millisecond, base),
		rec("es", t0.Add(time.Minute), 100*time.Millisecond, base),
		rec("pg", t0.Add(2*time.Minute), 400*time.Millisecond, loaded),
	})

	pg, ok := r.LookupFor("pg", "simple_select")
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, pg.Latency.Mean)
	assert.Equal(t, 1, pg.Latency.SampleCount)

	es, ok := r.LookupFor("es", "simple_select")
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, es.Latency.Mean)
}
