// Package overhead expresses the cost of a security configuration relative
// to the unsecured baseline of the same category.
//
// Percentage is a fraction of the secured latency:
//
//	pct = (secured.mean - baseline.mean) / secured.mean * 100
//
// so a baseline of 10ms and a secured mean of 15ms yields 33.3%.
package overhead

import (
	"encoding/json"
	"math"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
	"github.com/DjordjeVuckovic/policy-bench/pkg/utils"
)

type Status string

const (
	StatusOK         Status = "ok"
	StatusNoBaseline Status = "no_baseline"
	// StatusUndefined marks a comparison where one of the means is zero.
	StatusUndefined Status = "undefined"
)

type Overhead struct {
	Absolute   time.Duration
	Percentage float64
	Status     Status
}

// Defined reports whether the overhead carries a usable value. A genuine
// zero overhead is defined; a missing baseline is not.
func (o Overhead) Defined() bool {
	return o.Status == StatusOK && !math.IsNaN(o.Percentage)
}

func (o Overhead) MarshalJSON() ([]byte, error) {
	type wire struct {
		AbsoluteMs *float64 `json:"absolute_ms"`
		Percentage *float64 `json:"percentage"`
		Status     Status   `json:"status"`
	}
	w := wire{Status: o.Status}
	if o.Status != StatusNoBaseline {
		abs := utils.RoundDecimal(float64(o.Absolute)/float64(time.Millisecond), 3)
		w.AbsoluteMs = &abs
	}
	if o.Defined() {
		pct := utils.RoundDecimal(o.Percentage, 2)
		w.Percentage = &pct
	}
	return json.Marshal(w)
}

func NoBaseline() Overhead {
	return Overhead{Percentage: math.NaN(), Status: StatusNoBaseline}
}

// Compute compares mean latencies. Summaries without samples have a zero
// mean and therefore produce an undefined percentage.
func Compute(secured, baseline runner.TrialSummary) Overhead {
	return FromMeans(secured.Latency.Mean, baseline.Latency.Mean)
}

func FromMeans(secured, baseline time.Duration) Overhead {
	o := Overhead{Absolute: secured - baseline, Status: StatusOK}
	if baseline == 0 || secured == 0 {
		o.Percentage = math.NaN()
		o.Status = StatusUndefined
		return o
	}
	o.Percentage = float64(o.Absolute) / float64(secured) * 100
	return o
}

// BaselineSource is satisfied by *baseline.Registry.
type BaselineSource interface {
	Lookup(category string) (runner.TrialSummary, bool)
}

type Calculator struct {
	baselines BaselineSource
}

func NewCalculator(src BaselineSource) *Calculator {
	return &Calculator{baselines: src}
}

func (c *Calculator) ForCategory(category string, secured runner.TrialSummary) Overhead {
	base, ok := c.baselines.Lookup(category)
	if !ok {
		return NoBaseline()
	}
	return Compute(secured, base)
}

// backendSource is satisfied by *baseline.Registry.
type backendSource interface {
	LookupFor(backend, category string) (runner.TrialSummary, bool)
}

// ForSummary uses the summary's own category, and its backend when the
// source keeps baselines per backend.
func (c *Calculator) ForSummary(secured runner.TrialSummary) Overhead {
	bs, ok := c.baselines.(backendSource)
	if !ok || secured.Backend == "" {
		return c.ForCategory(secured.Category, secured)
	}
	base, found := bs.LookupFor(secured.Backend, secured.Category)
	if !found {
		return NoBaseline()
	}
	return Compute(secured, base)
}
