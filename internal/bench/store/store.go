// Package store holds trial records. Stores are append-only and safe for
// concurrent appends from load-test workers.
package store

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
)

var ErrRunNotFound = errors.New("run not found")

type Sink = runner.Sink

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the metadata of one harness invocation.
type Run struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     RunStatus         `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Filter selects records. Zero fields match everything; Since is inclusive
// and Until exclusive.
type Filter struct {
	RunID    string
	Category string
	Since    time.Time
	Until    time.Time
	Labels   map[string]string
}

func (f Filter) Match(r runner.TrialRecord) bool {
	if f.RunID != "" && r.RunID != f.RunID {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !r.Timestamp.Before(f.Until) {
		return false
	}
	for k, v := range f.Labels {
		if r.Labels[k] != v {
			return false
		}
	}
	return true
}

type Store interface {
	Sink
	Records(ctx context.Context, f Filter) ([]runner.TrialRecord, error)
	SaveRun(ctx context.Context, run Run) error
	Run(ctx context.Context, id string) (Run, error)
	Runs(ctx context.Context) ([]Run, error)
	Close() error
}

func cloneRun(r Run) Run {
	r.Meta = maps.Clone(r.Meta)
	return r
}

type tee struct {
	primary Store
	sinks   []Sink
}

// Tee returns a store whose appends are also forwarded to sinks. Only the
// primary store's errors are returned; sink failures are logged.
func Tee(primary Store, sinks ...Sink) Store {
	if len(sinks) == 0 {
		return primary
	}
	return &tee{primary: primary, sinks: sinks}
}

func (t *tee) Append(ctx context.Context, records ...runner.TrialRecord) error {
	if err := t.primary.Append(ctx, records...); err != nil {
		return err
	}
	for _, s := range t.sinks {
		if err := s.Append(ctx, records...); err != nil {
			slog.Warn("Secondary sink append failed", "records", len(records), "error", err)
		}
	}
	return nil
}

func (t *tee) Records(ctx context.Context, f Filter) ([]runner.TrialRecord, error) {
	return t.primary.Records(ctx, f)
}

func (t *tee) SaveRun(ctx context.Context, run Run) error { return t.primary.SaveRun(ctx, run) }

func (t *tee) Run(ctx context.Context, id string) (Run, error) { return t.primary.Run(ctx, id) }

func (t *tee) Runs(ctx context.Context) ([]Run, error) { return t.primary.Runs(ctx) }

func (t *tee) Close() error {
	var errs []error
	for _, s := range t.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	errs = append(errs, t.primary.Close())
	return errors.Join(errs...)
}
