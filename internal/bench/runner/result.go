package runner

import (
	"maps"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindFatal     ErrorKind = "fatal"
)

// TrialRecord is one timed execution. Records are append-only.
type TrialRecord struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	WorkloadID    string            `json:"workload_id"`
	Category      string            `json:"category"`
	Kind          workload.Kind     `json:"kind"`
	Backend       string            `json:"backend"`
	Labels        map[string]string `json:"labels"`
	Trial         int               `json:"trial"`
	Timestamp     time.Time         `json:"timestamp"`
	Duration      time.Duration     `json:"duration"`
	RowsReturned  int64             `json:"rows_returned"`
	RowsExamined  *int64            `json:"rows_examined,omitempty"`
	AccessPath    engine.AccessPath `json:"access_path"`
	CacheHitRatio *float64          `json:"cache_hit_ratio,omitempty"`
	Success       bool              `json:"success"`
	ErrorKind     ErrorKind         `json:"error_kind,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (r TrialRecord) Label(key string) (string, bool) {
	v, ok := r.Labels[key]
	return v, ok
}

func (r TrialRecord) IsBaseline() bool {
	return r.Labels[workload.LabelSecurityLevel] == string(workload.LevelNone)
}

// UnderLoad reports whether the record was taken by a concurrency scenario
// rather than a sequential trial.
func (r TrialRecord) UnderLoad() bool {
	_, ok := r.Labels[workload.LabelConcurrency]
	return ok
}

// TrialSummary condenses the records of one workload run.
// Latency covers successful attempts only.
type TrialSummary struct {
	WorkloadID  string            `json:"workload_id"`
	RunID       string            `json:"run_id"`
	Category    string            `json:"category"`
	Backend     string            `json:"backend"`
	Labels      map[string]string `json:"labels"`
	Attempts    int               `json:"attempts"`
	Failures    int               `json:"failures"`
	FailureRate float64           `json:"failure_rate"`
	Latency     LatencyStats      `json:"latency"`
	MeanRows    float64           `json:"mean_rows"`
	Throughput  float64           `json:"throughput_rows_per_sec"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Records     []TrialRecord     `json:"-"`
}

func (s TrialSummary) Successes() int { return s.Attempts - s.Failures }

func (s TrialSummary) HasSamples() bool { return s.Latency.SampleCount > 0 }

// Summarize builds a summary from records that belong to a single workload.
func Summarize(records []TrialRecord) TrialSummary {
	if len(records) == 0 {
		return TrialSummary{Latency: ComputeLatencyStats(nil)}
	}

	first := records[0]
	s := TrialSummary{
		WorkloadID: first.WorkloadID,
		RunID:      first.RunID,
		Category:   first.Category,
		Backend:    first.Backend,
		Labels:     maps.Clone(first.Labels),
		Attempts:   len(records),
		StartedAt:  first.Timestamp,
		FinishedAt: first.Timestamp,
		Records:    records,
	}

	var durations []time.Duration
	var rows int64
	for _, r := range records {
		if r.Timestamp.Before(s.StartedAt) {
			s.StartedAt = r.Timestamp
		}
		if end := r.Timestamp.Add(r.Duration); end.After(s.FinishedAt) {
			s.FinishedAt = end
		}
		if !r.Success {
			s.Failures++
			continue
		}
		durations = append(durations, r.Duration)
		rows += r.RowsReturned
	}

	s.FailureRate = float64(s.Failures) / float64(s.Attempts) * 100
	s.Latency = ComputeLatencyStats(durations)

	if n := len(durations); n > 0 {
		s.MeanRows = float64(rows) / float64(n)
		if secs := s.Latency.Mean.Seconds(); secs > 0 {
			s.Throughput = s.MeanRows / secs
		}
	}

	return s
}
