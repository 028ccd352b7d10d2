// Package aggregate rolls trial records up along arbitrary label dimensions.
// Stats are derived on demand from the stored records and are never the
// source of truth.
package aggregate

import (
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

// Unset is the group value for records that lack a dimension.
const Unset = "<unset>"

// Built-in dimensions resolved from record fields when no label of the same
// name exists.
const (
	DimCategory = "category"
	DimKind     = "kind"
	DimBackend  = "backend"
)

type KeyPart struct {
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

type GroupKey []KeyPart

// String renders the key as "dim=value,dim=value"; an empty key is "all".
func (k GroupKey) String() string {
	if len(k) == 0 {
		return "all"
	}
	parts := make([]string, len(k))
	for i, p := range k {
		parts[i] = p.Dimension + "=" + p.Value
	}
	return strings.Join(parts, ",")
}

func (k GroupKey) Value(dim string) (string, bool) {
	for _, p := range k {
		if p.Dimension == dim {
			return p.Value, true
		}
	}
	return "", false
}

type Stat struct {
	Key           GroupKey            `json:"key"`
	Count         int                 `json:"count"`
	Successes     int                 `json:"successes"`
	Failures      int                 `json:"failures"`
	FailureRate   float64             `json:"failure_rate"`
	Latency       runner.LatencyStats `json:"latency"`
	IndexAccess   int                 `json:"index_access"`
	ScanAccess    int                 `json:"scan_access"`
	UnknownAccess int                 `json:"unknown_access"`
	CacheHitRatio *float64            `json:"cache_hit_ratio"`
	MeanRows      float64             `json:"mean_rows"`
	Throughput    float64             `json:"throughput_rows_per_sec"`
	Categories    []string            `json:"categories"`
	Backends      []string            `json:"backends"`
	// IndexSpeedup is the mean latency of scan trials over the mean latency
	// of index trials, nil unless the group has successful trials of both.
	IndexSpeedup *float64 `json:"index_speedup"`
	// Overhead is nil unless baselines were supplied and every successful
	// record has one for its own backend and category.
	Overhead *overhead.Overhead `json:"overhead"`
	// BaselineMismatch is set when a record's data volume differs from the
	// one its category baseline was captured with.
	BaselineMismatch bool `json:"baseline_mismatch"`
}

// BaselineSource is satisfied by *baseline.Registry.
type BaselineSource interface {
	EntryFor(backend, category string) (baseline.Entry, bool)
}

type options struct {
	baselines BaselineSource
}

type Option func(*options)

func WithBaselines(src BaselineSource) Option {
	return func(o *options) { o.baselines = src }
}

// Aggregate partitions records by the Cartesian product of the groupBy
// dimension values. Every record lands in exactly one group, so the counts
// sum to len(records). Output is sorted by key.
func Aggregate(records []runner.TrialRecord, groupBy []string, opts ...Option) []Stat {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	groups := make(map[string][]runner.TrialRecord)
	keys := make(map[string]GroupKey)
	for _, rec := range records {
		key := make(GroupKey, len(groupBy))
		for i, dim := range groupBy {
			key[i] = KeyPart{Dimension: dim, Value: resolve(rec, dim)}
		}
		ks := key.String()
		if _, ok := keys[ks]; !ok {
			keys[ks] = key
		}
		groups[ks] = append(groups[ks], rec)
	}

	out := make([]Stat, 0, len(groups))
	for ks, recs := range groups {
		out = append(out, compute(keys[ks], recs, o))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Uncontended drops records taken by concurrency scenarios unless the
// concurrency level is one of the groupBy dimensions. Pooled with sequential
// trials they would report load as policy overhead.
func Uncontended(records []runner.TrialRecord, groupBy []string) []runner.TrialRecord {
	if slices.Contains(groupBy, workload.LabelConcurrency) {
		return records
	}
	out := make([]runner.TrialRecord, 0, len(records))
	for _, rec := range records {
		if !rec.UnderLoad() {
			out = append(out, rec)
		}
	}
	return out
}

func resolve(rec runner.TrialRecord, dim string) string {
	if v, ok := rec.Labels[dim]; ok && v != "" {
		return v
	}
	switch dim {
	case DimCategory:
		if rec.Category != "" {
			return rec.Category
		}
	case DimKind:
		if rec.Kind != "" {
			return string(rec.Kind)
		}
	case DimBackend:
		if rec.Backend != "" {
			return rec.Backend
		}
	}
	return Unset
}

func compute(key GroupKey, recs []runner.TrialRecord, o options) Stat {
	s := Stat{Key: key, Count: len(recs)}

	var (
		durations     []time.Duration
		indexSum      time.Duration
		indexN        int
		scanSum       time.Duration
		scanN         int
		rows          int64
		cacheSum      float64
		cacheN        int
		baselineSum   float64
		baselineMiss  bool
		categoriesSet = make(map[string]struct{})
		backendsSet   = make(map[string]struct{})
	)

	for _, rec := range recs {
		categoriesSet[rec.Category] = struct{}{}
		backendsSet[rec.Backend] = struct{}{}

		switch rec.AccessPath {
		case engine.AccessIndex:
			s.IndexAccess++
		case engine.AccessScan:
			s.ScanAccess++
		default:
			s.UnknownAccess++
		}

		if o.baselines != nil {
			if e, ok := o.baselines.EntryFor(rec.Backend, rec.Category); ok {
				if dv := rec.Labels[workload.LabelDataVolume]; dv != "" && e.Provenance.DataVolume != "" && dv != e.Provenance.DataVolume {
					s.BaselineMismatch = true
				}
			}
		}

		if !rec.Success {
			s.Failures++
			continue
		}
		s.Successes++
		durations = append(durations, rec.Duration)
		rows += rec.RowsReturned
		switch rec.AccessPath {
		case engine.AccessIndex:
			indexSum += rec.Duration
			indexN++
		case engine.AccessScan:
			scanSum += rec.Duration
			scanN++
		}
		if rec.CacheHitRatio != nil {
			cacheSum += *rec.CacheHitRatio
			cacheN++
		}

		if o.baselines != nil {
			e, ok := o.baselines.EntryFor(rec.Backend, rec.Category)
			if !ok || !e.Summary.HasSamples() {
				baselineMiss = true
				continue
			}
			baselineSum += float64(e.Summary.Latency.Mean)
		}
	}

	s.Categories = make([]string, 0, len(categoriesSet))
	for c := range categoriesSet {
		s.Categories = append(s.Categories, c)
	}
	slices.Sort(s.Categories)
	s.Backends = slices.Sorted(maps.Keys(backendsSet))

	s.FailureRate = float64(s.Failures) / float64(s.Count) * 100
	s.Latency = runner.ComputeLatencyStats(durations)

	if s.Successes > 0 {
		s.MeanRows = float64(rows) / float64(s.Successes)
		if secs := s.Latency.Mean.Seconds(); secs > 0 {
			s.Throughput = s.MeanRows / secs
		}
	}
	if indexN > 0 && scanN > 0 && indexSum > 0 {
		speedup := (float64(scanSum) / float64(scanN)) / (float64(indexSum) / float64(indexN))
		s.IndexSpeedup = &speedup
	}
	if cacheN > 0 {
		ratio := cacheSum / float64(cacheN)
		s.CacheHitRatio = &ratio
	}

	if o.baselines != nil && s.Successes > 0 && !baselineMiss {
		base := time.Duration(baselineSum / float64(s.Successes))
		ov := overhead.FromMeans(s.Latency.Mean, base)
		s.Overhead = &ov
	}

	return s
}
