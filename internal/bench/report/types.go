package report

import (
	"runtime"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/aggregate"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/baseline"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/concurrency"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/overhead"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/recommend"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/runner"
)

type Report struct {
	Meta            BenchMeta                  `json:"meta"`
	Summaries       []SummaryEntry             `json:"summaries"`
	Concurrency     []concurrency.Report       `json:"concurrency,omitempty"`
	GroupBy         []string                   `json:"group_by"`
	Aggregates      []aggregate.Stat           `json:"aggregates"`
	Recommendations []recommend.Recommendation `json:"recommendations"`
	Baselines       []baseline.Entry           `json:"baselines"`
}

type BenchMeta struct {
	RunID       string                `json:"run_id"`
	Name        string                `json:"name"`
	Timestamp   time.Time             `json:"timestamp"`
	Engines     map[string]EngineInfo `json:"engines"`
	DataVolume  string                `json:"data_volume,omitempty"`
	Environment EnvironmentInfo       `json:"environment"`
}

type EngineInfo struct {
	Type       string `json:"type"`
	Connection string `json:"connection"`
	Version    string `json:"version,omitempty"`
}

type EnvironmentInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
}

func NewEnvironmentInfo() EnvironmentInfo {
	return EnvironmentInfo{
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
	}
}

// Map flattens the environment into run metadata.
func (e EnvironmentInfo) Map() map[string]string {
	return map[string]string{
		"go_version": e.GoVersion,
		"os":         e.OS,
		"arch":       e.Arch,
		"num_cpu":    itoa(e.NumCPU),
	}
}

// SummaryEntry is a workload summary with its overhead against the
// category baseline.
type SummaryEntry struct {
	runner.TrialSummary
	Overhead overhead.Overhead `json:"overhead"`
}
