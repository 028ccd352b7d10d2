package engine

import (
	"context"
	"slices"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

// Executor runs one workload execution against a backing store.
// Implementations must not retry and must be safe for concurrent use.
// A query the backend rejects is returned as a plain error; an unreachable or
// unauthenticated backend is returned as *apperr.FatalError. A policy that
// filters every row is a successful Execution with zero rows.
type Executor interface {
	Execute(ctx context.Context, spec workload.Spec) (*Execution, error)
	Name() string
	Capabilities() Capabilities
	Close() error
}

type AccessPath string

const (
	AccessUnknown AccessPath = "unknown"
	AccessIndex   AccessPath = "index"
	AccessScan    AccessPath = "scan"
)

type Execution struct {
	Latency      time.Duration
	RowsReturned int64
	// RowsExamined is nil when the backend cannot report it.
	RowsExamined *int64
	AccessPath   AccessPath
	// CacheHitRatio is a percentage in [0, 100], nil when unavailable.
	CacheHitRatio *float64
	Diagnostics   map[string]any
}

// Capabilities advertises what a backend can run and what telemetry it reports.
type Capabilities struct {
	Kinds          []workload.Kind
	PlanTelemetry  bool
	CacheTelemetry bool
}

func (c Capabilities) Supports(k workload.Kind) bool {
	return slices.Contains(c.Kinds, k)
}
