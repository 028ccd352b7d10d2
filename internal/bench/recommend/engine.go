// Package recommend turns aggregate stats into threshold-driven findings.
// Every rule is an independent predicate over one Stat; rules never see each
// other's output.
package recommend

import (
	"fmt"
	"sort"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"gopkg.in/yaml.v3"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

type Recommendation struct {
	Severity    Severity  `json:"severity"`
	Rule        string    `json:"rule"`
	Category    string    `json:"category"`
	Message     string    `json:"message"`
	Condition   string    `json:"condition"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Thresholds holds the rule cut-offs. Every value is used as given, so zero
// is a real cut-off: failure_rate_max: 0 alerts on any failure.
type Thresholds struct {
	OverheadCritical float64       `yaml:"overhead_critical" json:"overhead_critical"`
	OverheadWarning  float64       `yaml:"overhead_warning" json:"overhead_warning"`
	CacheHitMin      float64       `yaml:"cache_hit_min" json:"cache_hit_min"`
	SlowQuery        time.Duration `yaml:"slow_query" json:"slow_query"`
	HighVariance     time.Duration `yaml:"high_variance" json:"high_variance"`
	LowThroughput    float64       `yaml:"low_throughput" json:"low_throughput"`
	FailureRateMax   float64       `yaml:"failure_rate_max" json:"failure_rate_max"`
	// Index speedup cut-offs: scan mean over index mean.
	IndexExcellent float64 `yaml:"index_excellent" json:"index_excellent"`
	IndexGood      float64 `yaml:"index_good" json:"index_good"`
	IndexLimited   float64 `yaml:"index_limited" json:"index_limited"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		OverheadCritical: 50,
		OverheadWarning:  20,
		CacheHitMin:      70,
		SlowQuery:        2 * time.Second,
		HighVariance:     500 * time.Millisecond,
		LowThroughput:    100,
		FailureRateMax:   5,
		IndexExcellent:   5,
		IndexGood:        2,
		IndexLimited:     1.5,
	}
}

// UnmarshalYAML starts from the defaults so keys absent from the document
// keep their default while explicit zeros are kept.
func (t *Thresholds) UnmarshalYAML(value *yaml.Node) error {
	type plain Thresholds
	p := plain(DefaultThresholds())
	if err := value.Decode(&p); err != nil {
		return err
	}
	*t = Thresholds(p)
	return nil
}

type rule struct {
	id    string
	check func(s aggregate.Stat, t Thresholds) (Severity, string, string, bool)
}

var rules = []rule{
	{id: "overhead_critical", check: overheadCritical},
	{id: "overhead_warning", check: overheadWarning},
	{id: "cache_hit", check: cacheHit},
	{id: "index_review", check: indexReview},
	{id: "index_effectiveness", check: indexEffectiveness},
	{id: "slow_query", check: slowQuery},
	{id: "high_variance", check: highVariance},
	{id: "low_throughput", check: lowThroughput},
	{id: "failure_rate", check: failureRate},
	{id: "stale_baseline", check: staleBaseline},
}

type Engine struct {
	thresholds Thresholds
	now        func() time.Time
}

func New(t Thresholds) *Engine {
	return &Engine{thresholds: t, now: time.Now}
}

func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// Evaluate runs every rule against every stat. The result is sorted by
// severity (critical first), then group, then rule.
func (e *Engine) Evaluate(stats []aggregate.Stat) []Recommendation {
	now := e.now()
	var out []Recommendation
	for _, s := range stats {
		group := s.Key.String()
		for _, r := range rules {
			sev, msg, cond, hit := r.check(s, e.thresholds)
			if !hit {
				continue
			}
			out = append(out, Recommendation{
				Severity:    sev,
				Rule:        r.id,
				Category:    group,
				Message:     msg,
				Condition:   cond,
				GeneratedAt: now,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].Severity.rank(), out[j].Severity.rank(); a != b {
			return a > b
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// Evaluate is a shorthand for New(t).Evaluate(stats).
func Evaluate(stats []aggregate.Stat, t Thresholds) []Recommendation {
	return New(t).Evaluate(stats)
}

func overheadPct(s aggregate.Stat) (float64, bool) {
	if s.Overhead == nil || !s.Overhead.Defined() {
		return 0, false
	}
	return s.Overhead.Percentage, true
}

func overheadCritical(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	pct, ok := overheadPct(s)
	if !ok || pct <= t.OverheadCritical {
		return "", "", "", false
	}
	return SeverityCritical,
		"Security overhead is critical; simplify policy predicates or index the columns they filter on",
		fmt.Sprintf("overhead %.1f%% > %.1f%%", pct, t.OverheadCritical),
		true
}

func overheadWarning(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	pct, ok := overheadPct(s)
	if !ok || pct <= t.OverheadWarning || pct > t.OverheadCritical {
		return "", "", "", false
	}
	return SeverityWarning,
		"Security overhead is noticeable; review policy complexity",
		fmt.Sprintf("%.1f%% < overhead %.1f%% <= %.1f%%", t.OverheadWarning, pct, t.OverheadCritical),
		true
}

func cacheHit(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.CacheHitRatio == nil || *s.CacheHitRatio >= t.CacheHitMin {
		return "", "", "", false
	}
	return SeverityWarning,
		"Low buffer cache hit ratio; consider more shared memory or narrower scans",
		fmt.Sprintf("cache hit %.1f%% < %.1f%%", *s.CacheHitRatio, t.CacheHitMin),
		true
}

func indexReview(s aggregate.Stat, _ Thresholds) (Severity, string, string, bool) {
	if s.ScanAccess <= s.IndexAccess {
		return "", "", "", false
	}
	return SeverityWarning,
		"Sequential scans dominate; review indexes on policy columns",
		fmt.Sprintf("scan count %d > index count %d", s.ScanAccess, s.IndexAccess),
		true
}

func indexEffectiveness(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.IndexSpeedup == nil {
		return "", "", "", false
	}
	x := *s.IndexSpeedup
	switch {
	case x > t.IndexExcellent:
		return SeverityInfo,
			"Index access is far faster than scans; keep the current data organization",
			fmt.Sprintf("index speedup %.1fx > %.1fx", x, t.IndexExcellent),
			true
	case x > t.IndexGood:
		return SeverityInfo,
			"Index access helps; more selective filters could widen the gap",
			fmt.Sprintf("%.1fx < index speedup %.1fx <= %.1fx", t.IndexGood, x, t.IndexExcellent),
			true
	case x < t.IndexLimited:
		return SeverityWarning,
			"Index access barely beats scans; review the indexes the policies rely on",
			fmt.Sprintf("index speedup %.1fx < %.1fx", x, t.IndexLimited),
			true
	}
	return "", "", "", false
}

func slowQuery(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.Latency.SampleCount == 0 || s.Latency.Mean <= t.SlowQuery {
		return "", "", "", false
	}
	return SeverityWarning,
		"Queries are slow under this configuration",
		fmt.Sprintf("mean latency %s > %s", s.Latency.Mean, t.SlowQuery),
		true
}

func highVariance(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.Latency.Stddev <= t.HighVariance {
		return "", "", "", false
	}
	return SeverityInfo,
		"Latency varies widely between trials; results may be unstable",
		fmt.Sprintf("stddev %s > %s", s.Latency.Stddev, t.HighVariance),
		true
}

func lowThroughput(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.Throughput <= 0 || s.Throughput >= t.LowThroughput {
		return "", "", "", false
	}
	return SeverityInfo,
		"Row throughput is low",
		fmt.Sprintf("throughput %.1f rows/s < %.1f rows/s", s.Throughput, t.LowThroughput),
		true
}

func failureRate(s aggregate.Stat, t Thresholds) (Severity, string, string, bool) {
	if s.FailureRate <= t.FailureRateMax {
		return "", "", "", false
	}
	return SeverityWarning,
		"Trials are failing; check permissions and timeouts for this context",
		fmt.Sprintf("failure rate %.1f%% > %.1f%%", s.FailureRate, t.FailureRateMax),
		true
}

func staleBaseline(s aggregate.Stat, _ Thresholds) (Severity, string, string, bool) {
	if !s.BaselineMismatch {
		return "", "", "", false
	}
	return SeverityWarning,
		"Baseline was captured with a different data volume; overhead may be misleading",
		"record data_volume != baseline data_volume",
		true
}
