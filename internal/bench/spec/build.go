package spec

import (
	"fmt"
	"sort"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

func (s *BenchSpec) Workload(id string) (Workload, bool) {
	for _, w := range s.Workloads {
		if w.ID == id {
			return w, true
		}
	}
	return Workload{}, false
}

func (s *BenchSpec) Context(name string) (Context, bool) {
	for _, c := range s.Contexts {
		if c.Name == name {
			return c, true
		}
	}
	return Context{}, false
}

// BuildSpec turns a workload definition and a context into an executable
// workload spec carrying the plan's data volume label.
func (s *BenchSpec) BuildSpec(w Workload, c Context) (workload.Spec, error) {
	op := workload.Operation{
		Kind:        workload.Kind(w.Kind),
		Measurement: w.Measurement,
		Filters:     w.Filters,
		Lookback:    w.Lookback,
		Limit:       w.Limit,
		GroupBy:     w.GroupBy,
		JoinWith:    w.JoinWith,
		WindowSize:  w.WindowSize,
		BatchSize:   w.BatchSize,
	}

	opts := []workload.Option{workload.WithLabels(w.Labels)}
	if w.Repetitions > 0 {
		opts = append(opts, workload.WithRepetitions(w.Repetitions))
	}
	if w.ColdStart {
		opts = append(opts, workload.WithColdStart())
	}
	if w.PolicyComplexity != "" {
		opts = append(opts, workload.WithPolicyComplexity(w.PolicyComplexity))
	}
	if w.BatchSize > 0 {
		opts = append(opts, workload.WithBatchSize(w.BatchSize))
	}
	if s.DataVolume != "" {
		opts = append(opts, workload.WithLabel(workload.LabelDataVolume, s.DataVolume))
	}

	// ids stay unique per context so records of one workload under several
	// contexts can be told apart
	id := w.ID + "@" + c.Name
	spec, err := workload.New(id, w.Category, op, c.SecurityContext(), opts...)
	if err != nil {
		return workload.Spec{}, fmt.Errorf("workload %q in context %q: %w", w.ID, c.Name, err)
	}
	return spec, nil
}

// JobSpecs expands a job into one spec per workload and context. Baseline
// contexts come first so their summaries are recorded before any secured
// run of the same category is compared.
func (s *BenchSpec) JobSpecs(j Job) ([]workload.Spec, error) {
	contexts := s.Contexts
	if len(j.Contexts) > 0 {
		contexts = make([]Context, 0, len(j.Contexts))
		for _, name := range j.Contexts {
			c, ok := s.Context(name)
			if !ok {
				return nil, fmt.Errorf("job %q: unknown context %q", j.Name, name)
			}
			contexts = append(contexts, c)
		}
	}
	ordered := make([]Context, len(contexts))
	copy(ordered, contexts)
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].Level == string(workload.LevelNone) && ordered[b].Level != string(workload.LevelNone)
	})

	var specs []workload.Spec
	for _, c := range ordered {
		for _, wid := range j.Workloads {
			w, ok := s.Workload(wid)
			if !ok {
				return nil, fmt.Errorf("job %q: unknown workload %q", j.Name, wid)
			}
			spec, err := s.BuildSpec(w, c)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}
