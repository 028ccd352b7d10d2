package spec

import (
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/recommend"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

type BenchSpec struct {
	Name        string              `yaml:"name"`
	DataVolume  string              `yaml:"data_volume"`
	Engines     map[string]Engine   `yaml:"engines" validate:"required,min=1,dive"`
	Contexts    []Context           `yaml:"contexts" validate:"required,min=1,dive"`
	Workloads   []Workload          `yaml:"workloads" validate:"required,min=1,dive"`
	Jobs        []Job               `yaml:"jobs" validate:"required,min=1,dive"`
	Concurrency []ConcurrencyConfig `yaml:"concurrency" validate:"dive"`
	Runs        RunsConfig          `yaml:"runs"`
	Report      ReportConfig        `yaml:"report"`
	Output      OutputConfig        `yaml:"output"`
}

type Engine struct {
	Type       string `yaml:"type" validate:"required,oneof=postgres influxdb elasticsearch"`
	Connection string `yaml:"connection" validate:"required"`
	// PlanTelemetry runs EXPLAIN after each postgres trial.
	PlanTelemetry bool `yaml:"plan_telemetry"`
	// Timeout bounds a single execution. Zero means no per-query timeout.
	Timeout time.Duration `yaml:"timeout"`

	Schema PgSchema `yaml:"schema,omitempty"`

	Org    string            `yaml:"org,omitempty"`
	Bucket string            `yaml:"bucket,omitempty"`
	Tokens map[string]string `yaml:"tokens,omitempty"`

	Index    string `yaml:"index,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

type PgSchema struct {
	Table        string `yaml:"table"`
	DevicesTable string `yaml:"devices_table"`
}

type Context struct {
	Name         string   `yaml:"name" validate:"required"`
	Level        string   `yaml:"level" validate:"required,oneof=none basic department patient full"`
	Department   string   `yaml:"department"`
	Role         string   `yaml:"role"`
	PatientScope []string `yaml:"patient_scope"`
}

func (c Context) SecurityContext() workload.SecurityContext {
	return workload.SecurityContext{
		Name:         c.Name,
		Level:        workload.SecurityLevel(c.Level),
		Department:   c.Department,
		Role:         c.Role,
		PatientScope: c.PatientScope,
	}
}

type Workload struct {
	ID               string            `yaml:"id" validate:"required"`
	Category         string            `yaml:"category" validate:"required"`
	Kind             string            `yaml:"kind" validate:"required,oneof=simple_filter aggregation join window batch_write"`
	Measurement      string            `yaml:"measurement"`
	Filters          map[string]string `yaml:"filters"`
	Lookback         time.Duration     `yaml:"lookback"`
	Limit            int               `yaml:"limit" validate:"gte=0"`
	GroupBy          string            `yaml:"group_by"`
	JoinWith         string            `yaml:"join_with"`
	WindowSize       int               `yaml:"window_size" validate:"gte=0"`
	PolicyComplexity string            `yaml:"policy_complexity"`
	BatchSize        int               `yaml:"batch_size" validate:"gte=0"`
	Repetitions      int               `yaml:"repetitions" validate:"gte=0"`
	ColdStart        bool              `yaml:"cold_start"`
	Labels           map[string]string `yaml:"labels"`
}

type Job struct {
	Name      string   `yaml:"name" validate:"required"`
	Engines   []string `yaml:"engines" validate:"required,min=1"`
	Workloads []string `yaml:"workloads" validate:"required,min=1"`
	// Contexts defaults to every context of the plan.
	Contexts []string `yaml:"contexts"`
}

type ConcurrencyConfig struct {
	Name          string        `yaml:"name" validate:"required"`
	Engine        string        `yaml:"engine" validate:"required"`
	Workload      string        `yaml:"workload" validate:"required"`
	Context       string        `yaml:"context" validate:"required"`
	Workers       []int         `yaml:"workers" validate:"required,min=1,dive,min=1"`
	OpsPerWorker  int           `yaml:"ops_per_worker" validate:"gte=0"`
	Duration      time.Duration `yaml:"duration"`
	MaxJitter     time.Duration `yaml:"max_jitter"`
	RatePerWorker float64       `yaml:"rate_per_worker" validate:"gte=0"`
	Burst         int           `yaml:"burst" validate:"gte=0"`
}

type RunsConfig struct {
	Warmup int           `yaml:"warmup" validate:"gte=0"`
	Pause  time.Duration `yaml:"pause"`
}

type ReportConfig struct {
	GroupBy    []string             `yaml:"group_by"`
	Thresholds recommend.Thresholds `yaml:"thresholds"`
}

type OutputConfig struct {
	Dir string `yaml:"dir"`
	// Store is the SQLite result database. Empty keeps records in memory.
	Store string `yaml:"store"`
	// Baselines is the badger directory for persisted baselines.
	Baselines string      `yaml:"baselines"`
	JSON      bool        `yaml:"json"`
	CSV       bool        `yaml:"csv"`
	Chart     bool        `yaml:"chart"`
	Influx    *InfluxSink `yaml:"influx,omitempty"`
}

type InfluxSink struct {
	URL    string `yaml:"url" validate:"required"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}
