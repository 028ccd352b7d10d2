package spec

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/recommend"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultWarmup = 2
	defaultPause  = 100 * time.Millisecond
	defaultOutDir = "results"
)

var defaultGroupBy = []string{"security_level", "category"}

var planValidate = validator.New()

func LoadFromFile(path string) (*BenchSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references from the environment, decodes the plan and
// validates it. Missing variables are an error rather than an empty string.
func Parse(data []byte) (*BenchSpec, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	// thresholds absent from the plan keep their defaults
	s := BenchSpec{Report: ReportConfig{Thresholds: recommend.DefaultThresholds()}}
	if err := yaml.Unmarshal([]byte(expanded), &s); err != nil {
		return nil, apperr.NewValidationWrap("parse spec YAML", err)
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

var envRegex = regexp.MustCompile(`\$\{(\w+)\}`)

func expandEnv(in string) (string, error) {
	var missing []string
	out := envRegex.ReplaceAllStringFunc(in, func(match string) string {
		key := match[2 : len(match)-1]
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		missing = append(missing, key)
		return match
	})
	if len(missing) > 0 {
		return "", apperr.NewValidation(fmt.Sprintf("spec references unset environment variables: %s", strings.Join(missing, ", ")))
	}
	return out, nil
}

func validate(s *BenchSpec) error {
	if err := planValidate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return apperr.NewValidation(fmt.Sprintf("field %s failed %q validation", f.Namespace(), f.Tag()))
		}
		return apperr.NewValidationWrap("validate spec", err)
	}

	contexts := make(map[string]bool, len(s.Contexts))
	for _, c := range s.Contexts {
		if contexts[c.Name] {
			return apperr.NewValidation(fmt.Sprintf("duplicate context %q", c.Name))
		}
		contexts[c.Name] = true
	}

	workloads := make(map[string]bool, len(s.Workloads))
	for i := range s.Workloads {
		w := &s.Workloads[i]
		if workloads[w.ID] {
			return apperr.NewValidation(fmt.Sprintf("duplicate workload %q", w.ID))
		}
		workloads[w.ID] = true
		if w.Kind == "join" && w.JoinWith == "" {
			return apperr.NewValidation(fmt.Sprintf("workload %q of kind join has no join_with", w.ID))
		}
		if w.Kind == "batch_write" && w.BatchSize == 0 {
			return apperr.NewValidation(fmt.Sprintf("workload %q of kind batch_write has no batch_size", w.ID))
		}
		if w.Kind == "window" && w.WindowSize == 0 {
			w.WindowSize = 5
		}
	}

	for _, j := range s.Jobs {
		for _, ref := range j.Engines {
			if _, ok := s.Engines[ref]; !ok {
				return apperr.NewValidation(fmt.Sprintf("job %q references unknown engine %q", j.Name, ref))
			}
		}
		for _, ref := range j.Workloads {
			if !workloads[ref] {
				return apperr.NewValidation(fmt.Sprintf("job %q references unknown workload %q", j.Name, ref))
			}
		}
		for _, ref := range j.Contexts {
			if !contexts[ref] {
				return apperr.NewValidation(fmt.Sprintf("job %q references unknown context %q", j.Name, ref))
			}
		}
	}

	for _, c := range s.Concurrency {
		if _, ok := s.Engines[c.Engine]; !ok {
			return apperr.NewValidation(fmt.Sprintf("concurrency %q references unknown engine %q", c.Name, c.Engine))
		}
		if !workloads[c.Workload] {
			return apperr.NewValidation(fmt.Sprintf("concurrency %q references unknown workload %q", c.Name, c.Workload))
		}
		if !contexts[c.Context] {
			return apperr.NewValidation(fmt.Sprintf("concurrency %q references unknown context %q", c.Name, c.Context))
		}
		if c.OpsPerWorker == 0 && c.Duration <= 0 {
			return apperr.NewValidation(fmt.Sprintf("concurrency %q needs ops_per_worker or duration", c.Name))
		}
	}

	for name, eng := range s.Engines {
		if eng.Type == "influxdb" && (eng.Org == "" || eng.Bucket == "") {
			return apperr.NewValidation(fmt.Sprintf("engine %q of type influxdb needs org and bucket", name))
		}
	}

	if s.Name == "" {
		s.Name = "policy-bench"
	}
	if s.Runs.Warmup == 0 {
		s.Runs.Warmup = defaultWarmup
	}
	if s.Runs.Pause == 0 {
		s.Runs.Pause = defaultPause
	}
	if len(s.Report.GroupBy) == 0 {
		s.Report.GroupBy = defaultGroupBy
	}
	if s.Output.Dir == "" {
		s.Output.Dir = defaultOutDir
	}
	return nil
}
