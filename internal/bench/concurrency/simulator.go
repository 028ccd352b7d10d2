// Package concurrency drives one workload from many goroutines at once to
// measure how a security configuration behaves under contention.
package concurrency

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/telemetry"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Config struct {
	RunID string
	// MaxJitter bounds the random pause between two operations of a worker.
	MaxJitter time.Duration
	// RatePerWorker caps operations per second for each worker. Zero disables it.
	RatePerWorker float64
	Burst         int
}

type WorkerStats struct {
	Worker    int                 `json:"worker"`
	Attempted int                 `json:"attempted"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
	Latency   runner.LatencyStats `json:"latency"`
}

type Report struct {
	WorkloadID string               `json:"workload_id"`
	Category   string               `json:"category"`
	Backend    string               `json:"backend"`
	Labels     map[string]string    `json:"labels"`
	Workers    int                  `json:"workers"`
	Attempted  int                  `json:"attempted"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	WallTime   time.Duration        `json:"wall_time"`
	Throughput float64              `json:"throughput_ops_per_sec"`
	Latency    runner.LatencyStats  `json:"latency"`
	PerWorker  []WorkerStats        `json:"per_worker"`
	Records    []runner.TrialRecord `json:"-"`
}

type Simulator struct {
	config Config
	exec   engine.Executor
	sink   runner.Sink
	now    func() time.Time
}

type Option func(*Simulator)

func WithSink(s runner.Sink) Option {
	return func(sim *Simulator) { sim.sink = s }
}

func WithClock(now func() time.Time) Option {
	return func(sim *Simulator) { sim.now = now }
}

// New returns a simulator sharing exec across all workers. exec must be safe
// for concurrent use; the backend adapters all hold a pooled handle.
func New(cfg Config, exec engine.Executor, opts ...Option) *Simulator {
	s := &Simulator{config: cfg, exec: exec, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunConcurrent issues opsPerWorker operations from each of workers goroutines.
func (s *Simulator) RunConcurrent(ctx context.Context, spec workload.Spec, workers, opsPerWorker int) (Report, error) {
	if workers < 1 {
		return Report{}, apperr.NewValidation("workers must be at least 1")
	}
	if opsPerWorker < 1 {
		return Report{}, apperr.NewValidation("operations per worker must be at least 1")
	}
	return s.run(ctx, spec, workers, func(issued int) bool {
		return issued < opsPerWorker
	})
}

// RunForDuration keeps every worker issuing operations until d has elapsed.
// The deadline is checked before each new operation; an operation already in
// flight is allowed to finish.
func (s *Simulator) RunForDuration(ctx context.Context, spec workload.Spec, workers int, d time.Duration) (Report, error) {
	if workers < 1 {
		return Report{}, apperr.NewValidation("workers must be at least 1")
	}
	if d <= 0 {
		return Report{}, apperr.NewValidation("duration must be positive")
	}
	deadline := s.now().Add(d)
	return s.run(ctx, spec, workers, func(int) bool {
		return s.now().Before(deadline)
	})
}

func (s *Simulator) run(ctx context.Context, spec workload.Spec, workers int, more func(issued int) bool) (Report, error) {
	spec, err := spec.Derive(workload.WithLabel(workload.LabelConcurrency, strconv.Itoa(workers)))
	if err != nil {
		return Report{}, err
	}

	perWorker := make([][]runner.TrialRecord, workers)
	g, gctx := errgroup.WithContext(ctx)

	slog.Info("Starting concurrent load",
		"workload", spec.ID(),
		"backend", s.exec.Name(),
		"workers", workers,
	)
	start := time.Now()

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			telemetry.WorkerStarted()
			defer telemetry.WorkerFinished()

			var limiter *rate.Limiter
			if s.config.RatePerWorker > 0 {
				burst := max(s.config.Burst, 1)
				limiter = rate.NewLimiter(rate.Limit(s.config.RatePerWorker), burst)
			}

			for n := 0; more(n); n++ {
				// issuance stops once another worker failed fatally or ctx is done
				if gctx.Err() != nil {
					return nil
				}
				if n > 0 && s.config.MaxJitter > 0 {
					if err := sleep(gctx, rand.N(s.config.MaxJitter)); err != nil {
						return nil
					}
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return nil
					}
				}

				rec, err := runner.NewTrial(ctx, s.exec, s.config.RunID, spec, n+1, s.now)
				if err != nil {
					return fmt.Errorf("worker %d: %w", w, err)
				}
				perWorker[w] = append(perWorker[w], rec)

				if s.sink != nil {
					if err := s.sink.Append(ctx, rec); err != nil {
						return fmt.Errorf("worker %d: append trial record: %w", w, err)
					}
				}
			}
			return nil
		})
	}

	err = g.Wait()
	report := buildReport(spec, s.exec.Name(), workers, time.Since(start), perWorker)

	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		level := slog.LevelWarn
		if apperr.IsFatal(err) {
			level = slog.LevelError
		}
		slog.Log(ctx, level, "Concurrent load stopped early",
			"workload", spec.ID(),
			"attempted", report.Attempted,
			"error", err,
		)
		return report, err
	}

	slog.Info("Concurrent load finished",
		"workload", spec.ID(),
		"attempted", report.Attempted,
		"failed", report.Failed,
		"throughput", report.Throughput,
	)
	return report, nil
}

func buildReport(spec workload.Spec, backend string, workers int, wall time.Duration, perWorker [][]runner.TrialRecord) Report {
	r := Report{
		WorkloadID: spec.ID(),
		Category:   spec.Category(),
		Backend:    backend,
		Labels:     spec.Labels(),
		Workers:    workers,
		WallTime:   wall,
		PerWorker:  make([]WorkerStats, 0, workers),
	}

	for w, records := range perWorker {
		ws := WorkerStats{Worker: w, Attempted: len(records)}
		var durations []time.Duration
		for _, rec := range records {
			if rec.Success {
				ws.Succeeded++
				durations = append(durations, rec.Duration)
			} else {
				ws.Failed++
			}
		}
		ws.Latency = runner.ComputeLatencyStats(durations)

		r.Attempted += ws.Attempted
		r.Succeeded += ws.Succeeded
		r.Failed += ws.Failed
		r.Records = append(r.Records, records...)
		r.PerWorker = append(r.PerWorker, ws)
	}

	workerLatency := make([]runner.LatencyStats, len(r.PerWorker))
	for i, ws := range r.PerWorker {
		workerLatency[i] = ws.Latency
	}
	r.Latency = runner.MergeLatencyStats(workerLatency)
	if secs := wall.Seconds(); secs > 0 {
		r.Throughput = float64(r.Succeeded) / secs
	}
	return r
}

// Summary converts the report into the sequential runner's summary shape so
// concurrent results aggregate and compare like any other run.
func (r Report) Summary() runner.TrialSummary {
	return runner.Summarize(r.Records)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
