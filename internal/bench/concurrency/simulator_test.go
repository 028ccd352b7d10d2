package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingExecutor fails every failEvery-th call (1-based) and sleeps for
// delay before answering.
type countingExecutor struct {
	calls     atomic.Int64
	failEvery int64
	fatalAt   int64
	delay     time.Duration
}

func (e *countingExecutor) Execute(ctx context.Context, _ workload.Spec) (*engine.Execution, error) {
	n := e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	if e.fatalAt > 0 && n == e.fatalAt {
		return nil, apperr.NewFatal("counting", errors.New("connection reset"))
	}
	if e.failEvery > 0 && n%e.failEvery == 0 {
		return nil, errors.New("permission denied")
	}
	return &engine.Execution{Latency: time.Millisecond, RowsReturned: 1}, nil
}

func (e *countingExecutor) Name() string { return "counting" }
func (e *countingExecutor) Capabilities() engine.Capabilities { return engine.Capabilities{Kinds: workload.AllKinds} }
func (e *countingExecutor) Close() error { return nil }

type syncSink struct {
	mu      sync.Mutex
	records []runner.TrialRecord
}

func (s *syncSink) Append(_ context.Context, records ...runner.TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return nil
}

func newSpec(t *testing.T) workload.Spec {
	t.Helper()
	sc := workload.SecurityContext{Name: "dept", Level: workload.LevelDepartment, Department: "cardiology"}
	s, err := workload.New("recent", "simple_select", workload.Operation{Kind: workload.KindSimpleFilter}, sc)
	require.NoError(t, err)
	return s
}

func TestRunConcurrent_AllSucceed(t *testing.T) {
	exec := &countingExecutor{}
	sink := &syncSink{}
	sim := New(Config{RunID: "run-1"}, exec, WithSink(sink))

	report, err := sim.RunConcurrent(context.Background(), newSpec(t), 5, 10)
	require.NoError(t, err)

	assert.Equal(t, 5, report.Workers)
	assert.Equal(t, 50, report.Attempted)
	assert.Equal(t, 50, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.Len(t, report.PerWorker, 5)
	for _, ws := range report.PerWorker {
		assert.Equal(t, 10, ws.Attempted)
	}
	assert.Greater(t, report.Throughput, 0.0)

	require.Len(t, sink.records, 50)
	for _, rec := range sink.records {
		assert.Equal(t, "5", rec.Labels[workload.LabelConcurrency])
		assert.Equal(t, "run-1", rec.RunID)
	}
}

func TestRunConcurrent_FailuresDoNotAbort(t *testing.T) {
	exec := &countingExecutor{failEvery: 5}
	sim := New(Config{}, exec)

	report, err := sim.RunConcurrent(context.Background(), newSpec(t), 5, 10)
	require.NoError(t, err)

	assert.Equal(t, 50, report.Attempted)
	assert.Equal(t, 10, report.Failed)
	assert.Equal(t, 40, report.Succeeded)
	assert.Equal(t, 40, report.Latency.SampleCount)

	summary := report.Summary()
	assert.InDelta(t, 20.0, summary.FailureRate, 1e-9)
}

func TestRunConcurrent_FatalStopsIssuance(t *testing.T) {
	exec := &countingExecutor{fatalAt: 3, delay: time.Millisecond}
	sim := New(Config{}, exec)

	report, err := sim.RunConcurrent(context.Background(), newSpec(t), 4, 100)
	require.Error(t, err)
	assert.True(t, apperr.IsFatal(err))
	assert.Less(t, report.Attempted, 400)
	assert.Less(t, exec.calls.Load(), int64(400))
}

func TestRunConcurrent_Invalid(t *testing.T) {
	sim := New(Config{}, &countingExecutor{})

	_, err := sim.RunConcurrent(context.Background(), newSpec(t), 0, 10)
	assert.True(t, apperr.IsValidation(err))

	_, err = sim.RunConcurrent(context.Background(), newSpec(t), 2, 0)
	assert.True(t, apperr.IsValidation(err))

	_, err = sim.RunForDuration(context.Background(), newSpec(t), 2, 0)
	assert.True(t, apperr.IsValidation(err))
}

func TestRunForDuration(t *testing.T) {
	exec := &countingExecutor{delay: 2 * time.Millisecond}
	sim := New(Config{}, exec)

	start := time.Now()
	report, err := sim.RunForDuration(context.Background(), newSpec(t), 3, 50*time.Millisecond)
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Greater(t, report.Attempted, 3)
	assert.Equal(t, report.Attempted, report.Succeeded)
	assert.Equal(t, int64(report.Attempted), exec.calls.Load())
}

func TestRunConcurrent_RateLimitAndJitter(t *testing.T) {
	exec := &countingExecutor{}
	sim := New(Config{RatePerWorker: 200, Burst: 1, MaxJitter: time.Millisecond}, exec)

	report, err := sim.RunConcurrent(context.Background(), newSpec(t), 2, 5)
	require.NoError(t, err)
	assert.Equal(t, 10, report.Succeeded)
	// 5 ops at 200/s with burst 1 need at least 4 refill intervals of 5ms
	assert.GreaterOrEqual(t, report.WallTime, 20*time.Millisecond)
}

func TestRunConcurrent_ParentCancel(t *testing.T) {
	exec := &countingExecutor{delay: time.Millisecond}
	sim := New(Config{}, exec)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	report, err := sim.RunConcurrent(ctx, newSpec(t), 2, 100000)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, report.Attempted, 200000)
}
