package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
)

// Memory keeps everything in process. It is the default store for a single
// harness invocation and the reference for the durable implementations.
type Memory struct {
	mu      sync.RWMutex
	records []runner.TrialRecord
	runs    map[string]Run
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]Run)}
}

func (m *Memory) Append(_ context.Context, records ...runner.TrialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r.Labels = maps.Clone(r.Labels)
		m.records = append(m.records, r)
	}
	return nil
}

func (m *Memory) Records(_ context.Context, f Filter) ([]runner.TrialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []runner.TrialRecord
	for _, r := range m.records {
		if f.Match(r) {
			r.Labels = maps.Clone(r.Labels)
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) SaveRun(_ context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("save run: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *Memory) Run(_ context.Context, id string) (Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return cloneRun(r), nil
}

// Runs returns runs newest first.
func (m *Memory) Runs(_ context.Context) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
