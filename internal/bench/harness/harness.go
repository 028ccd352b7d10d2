// Package harness drives a bench plan: it runs every job baseline first,
// records baselines, runs the concurrency scenarios and hands the collected
// records to the report.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/concurrency"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/report"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/spec"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/store"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/google/uuid"
)

type Harness struct {
	plan      *spec.BenchSpec
	executors map[string]engine.Executor
	store     store.Store
	baselines *baseline.Registry
	runID     string
	now       func() time.Time
}

type Option func(*Harness)

func WithRunID(id string) Option {
	return func(h *Harness) { h.runID = id }
}

func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

func New(plan *spec.BenchSpec, executors map[string]engine.Executor, st store.Store, reg *baseline.Registry, opts ...Option) *Harness {
	h := &Harness{
		plan:      plan,
		executors: executors,
		store:     st,
		baselines: reg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runID == "" {
		h.runID = uuid.NewString()
	}
	if h.baselines == nil {
		h.baselines = baseline.NewRegistry()
	}
	return h
}

func (h *Harness) RunID() string                 { return h.runID }
func (h *Harness) Baselines() *baseline.Registry { return h.baselines }

type Result struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Entries     []report.SummaryEntry
	Concurrency []concurrency.Report
}

// Validate checks that every job and scenario can run on its engines before
// anything is executed.
func (h *Harness) Validate() error {
	for _, job := range h.plan.Jobs {
		specs, err := h.plan.JobSpecs(job)
		if err != nil {
			return apperr.NewValidationWrap("invalid job", err)
		}
		for _, name := range job.Engines {
			exec, ok := h.executors[name]
			if !ok {
				return apperr.NewValidation(fmt.Sprintf("job %q: engine %q is not available", job.Name, name))
			}
			if err := checkCapabilities(exec, specs); err != nil {
				return err
			}
		}
	}

	for _, c := range h.plan.Concurrency {
		exec, ok := h.executors[c.Engine]
		if !ok {
			return apperr.NewValidation(fmt.Sprintf("concurrency %q: engine %q is not available", c.Name, c.Engine))
		}
		s, err := h.concurrencySpec(c)
		if err != nil {
			return err
		}
		if err := checkCapabilities(exec, []workload.Spec{s}); err != nil {
			return err
		}
	}
	return nil
}

func checkCapabilities(exec engine.Executor, specs []workload.Spec) error {
	caps := exec.Capabilities()
	for _, s := range specs {
		if !caps.Supports(s.Kind()) {
			return apperr.NewValidation(fmt.Sprintf("engine %q does not support %s workloads (%s)", exec.Name(), s.Kind(), s.ID()))
		}
	}
	return nil
}

func (h *Harness) concurrencySpec(c spec.ConcurrencyConfig) (workload.Spec, error) {
	w, ok := h.plan.Workload(c.Workload)
	if !ok {
		return workload.Spec{}, apperr.NewValidation(fmt.Sprintf("concurrency %q: unknown workload %q", c.Name, c.Workload))
	}
	sc, ok := h.plan.Context(c.Context)
	if !ok {
		return workload.Spec{}, apperr.NewValidation(fmt.Sprintf("concurrency %q: unknown context %q", c.Name, c.Context))
	}
	return h.plan.BuildSpec(w, sc)
}

type healthChecker interface {
	Healthy(ctx context.Context) bool
}

// preflight refuses to start when an executor that can report its health
// reports it is down.
func (h *Harness) preflight(ctx context.Context) error {
	for _, name := range slices.Sorted(maps.Keys(h.executors)) {
		hc, ok := h.executors[name].(healthChecker)
		if !ok {
			continue
		}
		if !hc.Healthy(ctx) {
			return apperr.NewFatal(name, errors.New("health check failed"))
		}
	}
	return nil
}

// Run executes the plan. A fatal backend error stops the run; the partial
// result is returned with it and the run is stored as failed.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	if err := h.preflight(ctx); err != nil {
		return nil, err
	}

	res := &Result{RunID: h.runID, StartedAt: h.now()}
	run := store.Run{
		ID:        h.runID,
		Name:      h.plan.Name,
		Status:    store.RunRunning,
		StartedAt: res.StartedAt,
		Meta:      h.runMeta(),
	}
	if err := h.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("save run: %w", err)
	}
	slog.Info("Run started", "run_id", h.runID, "name", h.plan.Name, "jobs", len(h.plan.Jobs))

	err := h.runJobs(ctx, res)
	if err == nil {
		err = h.runConcurrency(ctx, res)
	}

	res.FinishedAt = h.now()
	run.FinishedAt = res.FinishedAt
	run.Status = store.RunCompleted
	if err != nil {
		run.Status = store.RunFailed
		run.Meta["error"] = err.Error()
	}
	if serr := h.store.SaveRun(context.WithoutCancel(ctx), run); serr != nil {
		err = errors.Join(err, fmt.Errorf("save run: %w", serr))
	}

	slog.Info("Run finished",
		"run_id", h.runID,
		"status", run.Status,
		"summaries", len(res.Entries),
		"scenarios", len(res.Concurrency),
		"elapsed", res.FinishedAt.Sub(res.StartedAt),
	)
	return res, err
}

func (h *Harness) runMeta() map[string]string {
	meta := report.NewEnvironmentInfo().Map()
	if h.plan.DataVolume != "" {
		meta[workload.LabelDataVolume] = h.plan.DataVolume
	}
	for _, name := range slices.Sorted(maps.Keys(h.plan.Engines)) {
		meta["engine."+name] = h.plan.Engines[name].Type
	}
	return meta
}

func (h *Harness) runJobs(ctx context.Context, res *Result) error {
	cfg := runner.Config{
		WarmupRuns: h.plan.Runs.Warmup,
		Pause:      h.plan.Runs.Pause,
		RunID:      h.runID,
	}
	calc := overhead.NewCalculator(h.baselines)

	for _, job := range h.plan.Jobs {
		specs, err := h.plan.JobSpecs(job)
		if err != nil {
			return err
		}
		slog.Info("Running job", "job", job.Name, "engines", job.Engines, "specs", len(specs))

		// engines run one after another so each engine's secured specs are
		// compared with the baseline it just recorded
		for _, name := range job.Engines {
			exec := h.executors[name]
			r := runner.New(cfg, exec, runner.WithSink(h.store), runner.WithClock(h.now))

			for _, s := range specs {
				summary, err := r.Run(ctx, s)
				if err != nil {
					return fmt.Errorf("job %q on %q: %w", job.Name, name, err)
				}

				if s.IsBaseline() && summary.HasSamples() {
					h.baselines.Record(s.Category(), summary)
				}
				o := calc.ForSummary(summary)
				res.Entries = append(res.Entries, report.SummaryEntry{TrialSummary: summary, Overhead: o})

				slog.Info("Workload done",
					"workload", s.ID(),
					"backend", name,
					"mean", summary.Latency.Mean,
					"failures", summary.Failures,
					"overhead_status", o.Status,
				)
			}
		}
	}
	return nil
}

func (h *Harness) runConcurrency(ctx context.Context, res *Result) error {
	for _, c := range h.plan.Concurrency {
		s, err := h.concurrencySpec(c)
		if err != nil {
			return err
		}
		sim := concurrency.New(concurrency.Config{
			RunID:         h.runID,
			MaxJitter:     c.MaxJitter,
			RatePerWorker: c.RatePerWorker,
			Burst:         c.Burst,
		}, h.executors[c.Engine], concurrency.WithSink(h.store), concurrency.WithClock(h.now))

		for _, workers := range c.Workers {
			var rep concurrency.Report
			if c.Duration > 0 {
				rep, err = sim.RunForDuration(ctx, s, workers, c.Duration)
			} else {
				rep, err = sim.RunConcurrent(ctx, s, workers, c.OpsPerWorker)
			}
			if rep.Workers > 0 {
				res.Concurrency = append(res.Concurrency, rep)
			}
			if err != nil {
				return fmt.Errorf("concurrency %q with %d workers: %w", c.Name, workers, err)
			}
		}
	}
	return nil
}

// Report collects the run's stored records and builds the report.
func (h *Harness) Report(ctx context.Context, res *Result) (*report.Report, error) {
	records, err := h.store.Records(ctx, store.Filter{RunID: h.runID})
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	meta := report.BenchMeta{
		RunID:       h.runID,
		Name:        h.plan.Name,
		Timestamp:   res.StartedAt,
		Engines:     h.engineInfo(ctx),
		DataVolume:  h.plan.DataVolume,
		Environment: report.NewEnvironmentInfo(),
	}

	return report.Generate(report.Input{
		Meta:        meta,
		Entries:     res.Entries,
		Concurrency: res.Concurrency,
		Records:     records,
		GroupBy:     h.plan.Report.GroupBy,
		Baselines:   h.baselines,
		Thresholds:  h.plan.Report.Thresholds,
	}), nil
}

type versioner interface {
	Version(ctx context.Context) (string, error)
}

func (h *Harness) engineInfo(ctx context.Context) map[string]report.EngineInfo {
	out := make(map[string]report.EngineInfo, len(h.plan.Engines))
	for name, e := range h.plan.Engines {
		info := report.EngineInfo{Type: e.Type, Connection: redact(e.Connection)}
		if v, ok := h.executors[name].(versioner); ok {
			if version, err := v.Version(ctx); err == nil {
				info.Version = version
			} else {
				slog.Debug("Engine version unavailable", "engine", name, "error", err)
			}
		}
		out[name] = info
	}
	return out
}
