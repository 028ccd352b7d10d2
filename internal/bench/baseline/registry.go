// Package baseline keeps the latest unsecured summary per backend and
// workload category.
//
// Recording is last-write-wins with no versioning. Each entry carries the
// provenance of the run that produced it so a comparison against a baseline
// captured under different conditions (another data volume, an older run)
// can be detected by the caller.
package baseline

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/telemetry"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

type Provenance struct {
	CapturedAt time.Time `json:"captured_at"`
	RunID      string    `json:"run_id"`
	WorkloadID string    `json:"workload_id"`
	Backend    string    `json:"backend"`
	DataVolume string    `json:"data_volume,omitempty"`
}

type Entry struct {
	Category   string              `json:"category"`
	Summary    runner.TrialSummary `json:"summary"`
	Provenance Provenance          `json:"provenance"`
}

// Persister stores entries outside the process so baselines survive between
// harness invocations.
type Persister interface {
	Load(ctx context.Context) ([]Entry, error)
	Save(ctx context.Context, e Entry) error
}

type key struct{ backend, category string }

// Registry holds one entry per backend and category. Engines are never
// compared against each other's baselines; Lookup and Entry without a
// backend return the newest entry of the category.
type Registry struct {
	mu        sync.RWMutex
	entries   map[key]Entry
	persister Persister
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[key]Entry)}
}

// NewPersistentRegistry loads previously saved entries and writes every
// subsequent Record through to p.
func NewPersistentRegistry(ctx context.Context, p Persister) (*Registry, error) {
	r := NewRegistry()
	entries, err := p.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		r.entries[key{e.Provenance.Backend, e.Category}] = e
	}
	r.persister = p
	return r, nil
}

// Record overwrites the baseline for category on the summary's backend.
func (r *Registry) Record(category string, summary runner.TrialSummary) {
	e := Entry{
		Category: category,
		Summary:  summary,
		Provenance: Provenance{
			CapturedAt: summary.FinishedAt,
			RunID:      summary.RunID,
			WorkloadID: summary.WorkloadID,
			Backend:    summary.Backend,
			DataVolume: summary.Labels[workload.LabelDataVolume],
		},
	}
	if e.Provenance.CapturedAt.IsZero() {
		e.Provenance.CapturedAt = time.Now()
	}
	e.Summary.Records = nil
	k := key{summary.Backend, category}

	r.mu.Lock()
	if prev, ok := r.entries[k]; ok && prev.Provenance.RunID != e.Provenance.RunID {
		slog.Info("Baseline replaced",
			"category", category,
			"backend", summary.Backend,
			"previous_run", prev.Provenance.RunID,
			"previous_captured_at", prev.Provenance.CapturedAt,
			"run", e.Provenance.RunID,
		)
	}
	r.entries[k] = e
	r.mu.Unlock()

	telemetry.BaselineRecorded(category)

	if r.persister != nil {
		if err := r.persister.Save(context.Background(), e); err != nil {
			slog.Warn("Failed to persist baseline", "category", category, "backend", summary.Backend, "error", err)
		}
	}
}

func (r *Registry) Lookup(category string) (runner.TrialSummary, bool) {
	e, ok := r.Entry(category)
	return e.Summary, ok
}

// Entry returns the newest baseline of category on any backend.
func (r *Registry) Entry(category string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		latest Entry
		found  bool
	)
	for k, e := range r.entries {
		if k.category != category {
			continue
		}
		if !found || e.Provenance.CapturedAt.After(latest.Provenance.CapturedAt) {
			latest, found = e, true
		}
	}
	return latest, found
}

// LookupFor returns the baseline captured on backend.
func (r *Registry) LookupFor(backend, category string) (runner.TrialSummary, bool) {
	e, ok := r.EntryFor(backend, category)
	return e.Summary, ok
}

// EntryFor returns the baseline captured on backend. An empty backend
// behaves like Entry; entries recorded without a backend match any.
func (r *Registry) EntryFor(backend, category string) (Entry, bool) {
	if backend == "" {
		return r.Entry(category)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[key{backend, category}]; ok {
		return e, true
	}
	e, ok := r.entries[key{"", category}]
	return e, ok
}

func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{}, len(r.entries))
	for k := range r.entries {
		set[k.category] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// Entries is sorted by category, then backend.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.SortedFunc(maps.Keys(r.entries), func(a, b key) int {
		if c := strings.Compare(a.category, b.category); c != 0 {
			return c
		}
		return strings.Compare(a.backend, b.backend)
	})
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.entries[k])
	}
	return out
}

// FromRecords rebuilds a registry from stored trial records. Sequential
// baseline records are grouped per run, workload and backend, summarized, and
// replayed in the order they finished so the newest baseline per backend and
// category wins. Records taken under concurrent load never become baselines.
func FromRecords(records []runner.TrialRecord) *Registry {
	type group struct{ run, workload, backend string }
	groups := make(map[group][]runner.TrialRecord)
	for _, rec := range records {
		if !rec.IsBaseline() || rec.UnderLoad() {
			continue
		}
		k := group{rec.RunID, rec.WorkloadID, rec.Backend}
		groups[k] = append(groups[k], rec)
	}

	summaries := make([]runner.TrialSummary, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, runner.Summarize(g))
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].FinishedAt.Before(summaries[j].FinishedAt)
	})

	r := NewRegistry()
	for _, s := range summaries {
		if !s.HasSamples() {
			continue
		}
		r.Record(s.Category, s)
	}
	return r
}
