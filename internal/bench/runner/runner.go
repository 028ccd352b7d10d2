package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/telemetry"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/google/uuid"
)

// Sink receives trial records as they are produced.
type Sink interface {
	Append(ctx context.Context, records ...TrialRecord) error
}

type Runner struct {
	config Config
	exec   engine.Executor
	sink   Sink
	now    func() time.Time
}

type Option func(*Runner)

func WithSink(s Sink) Option {
	return func(r *Runner) { r.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func New(cfg Config, exec engine.Executor, opts ...Option) *Runner {
	r := &Runner{
		config: cfg,
		exec:   exec,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes spec.Repetitions() trials one after another. Failed trials are
// recorded and counted; only fatal backend errors, sink failures and context
// cancellation end the run early and are returned.
func (r *Runner) Run(ctx context.Context, spec workload.Spec) (TrialSummary, error) {
	if !spec.ColdStart() {
		for i := 0; i < r.config.WarmupRuns; i++ {
			if _, err := r.exec.Execute(ctx, spec); err != nil && apperr.IsFatal(err) {
				return TrialSummary{}, fmt.Errorf("warmup %d for %q: %w", i+1, spec.ID(), err)
			}
		}
	}

	records := make([]TrialRecord, 0, spec.Repetitions())

	for i := 0; i < spec.Repetitions(); i++ {
		if err := ctx.Err(); err != nil {
			return Summarize(records), err
		}

		rec, err := r.Trial(ctx, spec, i+1)
		if err != nil {
			return Summarize(records), err
		}
		records = append(records, rec)

		if r.sink != nil {
			if err := r.sink.Append(ctx, rec); err != nil {
				return Summarize(records), fmt.Errorf("append trial record: %w", err)
			}
		}

		if i < spec.Repetitions()-1 {
			if err := pause(ctx, r.config.Pause); err != nil {
				return Summarize(records), err
			}
		}
	}

	summary := Summarize(records)
	if !summary.HasSamples() {
		slog.Warn("No successful trials", "workload", spec.ID(), "backend", r.exec.Name(), "attempts", summary.Attempts)
	}
	return summary, nil
}

// Trial executes spec once and turns the outcome into a record.
// The returned error is non-nil only for fatal backend errors.
func (r *Runner) Trial(ctx context.Context, spec workload.Spec, n int) (TrialRecord, error) {
	return NewTrial(ctx, r.exec, r.config.RunID, spec, n, r.now)
}

// NewTrial is the shared single-execution step used by the sequential runner
// and the concurrent workers.
func NewTrial(
	ctx context.Context,
	exec engine.Executor,
	runID string,
	spec workload.Spec,
	n int,
	now func() time.Time,
) (TrialRecord, error) {
	rec := TrialRecord{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkloadID: spec.ID(),
		Category:   spec.Category(),
		Kind:       spec.Kind(),
		Backend:    exec.Name(),
		Labels:     spec.Labels(),
		Trial:      n,
		Timestamp:  now(),
		AccessPath: engine.AccessUnknown,
	}

	result, err := exec.Execute(ctx, spec)
	if err != nil {
		rec.Error = err.Error()
		rec.ErrorKind = classify(err)
		telemetry.ObserveTrial(rec.Backend, rec.Category, false, 0)

		if rec.ErrorKind == ErrorKindFatal {
			return rec, err
		}
		slog.Debug("Trial failed", "workload", spec.ID(), "backend", rec.Backend, "trial", n, "error", err)
		return rec, nil
	}

	rec.Success = true
	rec.Duration = result.Latency
	rec.RowsReturned = result.RowsReturned
	rec.RowsExamined = result.RowsExamined
	rec.CacheHitRatio = result.CacheHitRatio
	if result.AccessPath != "" {
		rec.AccessPath = result.AccessPath
	}
	telemetry.ObserveTrial(rec.Backend, rec.Category, true, rec.Duration)

	return rec, nil
}

func classify(err error) ErrorKind {
	switch {
	case apperr.IsFatal(err):
		return ErrorKindFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	default:
		return ErrorKindExecution
	}
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
