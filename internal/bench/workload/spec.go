package workload

import (
	"fmt"
	"maps"
	"strconv"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/google/uuid"
)

const DefaultRepetitions = 5

// Operation describes what to execute. The harness never interprets it;
// backend builders translate it into a statement.
type Operation struct {
	Kind        Kind              `json:"kind" yaml:"kind"`
	Measurement string            `json:"measurement,omitempty" yaml:"measurement,omitempty"`
	Filters     map[string]string `json:"filters,omitempty" yaml:"filters,omitempty"`
	Lookback    time.Duration     `json:"lookback,omitempty" yaml:"lookback,omitempty"`
	Limit       int               `json:"limit,omitempty" yaml:"limit,omitempty"`
	GroupBy     string            `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	JoinWith    string            `json:"join_with,omitempty" yaml:"join_with,omitempty"`
	WindowSize  int               `json:"window_size,omitempty" yaml:"window_size,omitempty"`
	BatchSize   int               `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

func (o Operation) clone() Operation {
	out := o
	out.Filters = maps.Clone(o.Filters)
	return out
}

// Spec is one unit of work plus the dimension labels it is tagged with.
// Fields are unexported so a Spec cannot change after New returns.
type Spec struct {
	id          string
	category    string
	op          Operation
	ctx         SecurityContext
	labels      map[string]string
	repetitions int
	coldStart   bool
}

type Option func(*Spec)

func WithRepetitions(n int) Option {
	return func(s *Spec) { s.repetitions = n }
}

func WithColdStart() Option {
	return func(s *Spec) { s.coldStart = true }
}

func WithLabel(key, value string) Option {
	return func(s *Spec) { s.labels[key] = value }
}

func WithLabels(labels map[string]string) Option {
	return func(s *Spec) {
		for k, v := range labels {
			s.labels[k] = v
		}
	}
}

func WithPolicyComplexity(c string) Option {
	return WithLabel(LabelPolicyComplexity, c)
}

func WithBatchSize(n int) Option {
	return WithLabel(LabelBatchSize, strconv.Itoa(n))
}

// New validates and builds a Spec. An empty id gets a generated one.
func New(id, category string, op Operation, sc SecurityContext, opts ...Option) (Spec, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if sc.Name == "" {
		sc.Name = string(sc.Level)
	}

	s := Spec{
		id:          id,
		category:    category,
		op:          op.clone(),
		ctx:         sc.clone(),
		labels:      make(map[string]string),
		repetitions: DefaultRepetitions,
	}
	for _, opt := range opts {
		opt(&s)
	}

	if s.op.Kind == KindBatchWrite && s.op.BatchSize > 0 {
		s.labels[LabelBatchSize] = strconv.Itoa(s.op.BatchSize)
	}
	// context-derived labels always win over free-form ones
	s.labels[LabelSecurityLevel] = string(sc.Level)
	s.labels[LabelContext] = sc.Name

	if err := s.validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

func (s *Spec) validate() error {
	if s.category == "" {
		return apperr.NewValidation(fmt.Sprintf("workload %q has no category", s.id))
	}
	if !s.op.Kind.Valid() {
		return apperr.NewValidation(fmt.Sprintf("workload %q has unknown kind %q", s.id, s.op.Kind))
	}
	if !s.ctx.Level.Valid() {
		return apperr.NewValidation(fmt.Sprintf("workload %q has unknown security level %q", s.id, s.ctx.Level))
	}
	if s.repetitions < 1 {
		return apperr.NewValidation(fmt.Sprintf("workload %q: repetitions must be >= 1, got %d", s.id, s.repetitions))
	}
	if s.op.Limit < 0 {
		return apperr.NewValidation(fmt.Sprintf("workload %q: limit must not be negative", s.id))
	}
	if s.op.Lookback < 0 {
		return apperr.NewValidation(fmt.Sprintf("workload %q: lookback must not be negative", s.id))
	}
	if s.op.Kind == KindWindow && s.op.WindowSize < 0 {
		return apperr.NewValidation(fmt.Sprintf("workload %q: window size must not be negative", s.id))
	}
	if s.op.Kind == KindBatchWrite && s.op.BatchSize < 1 {
		return apperr.NewValidation(fmt.Sprintf("workload %q: batch_write needs a batch size >= 1", s.id))
	}
	return nil
}

func (s Spec) ID() string                { return s.id }
func (s Spec) Category() string          { return s.category }
func (s Spec) Kind() Kind                { return s.op.Kind }
func (s Spec) Operation() Operation      { return s.op.clone() }
func (s Spec) Context() SecurityContext  { return s.ctx.clone() }
func (s Spec) Repetitions() int          { return s.repetitions }
func (s Spec) ColdStart() bool           { return s.coldStart }
func (s Spec) IsBaseline() bool          { return s.ctx.IsBaseline() }
func (s Spec) Labels() map[string]string { return maps.Clone(s.labels) }

func (s Spec) Label(key string) (string, bool) {
	v, ok := s.labels[key]
	return v, ok
}

// Derive returns a copy of s with extra options applied on top,
// e.g. to stamp a concurrency label. The result is validated again.
func (s Spec) Derive(opts ...Option) (Spec, error) {
	base := []Option{WithRepetitions(s.repetitions), WithLabels(s.labels)}
	if s.coldStart {
		base = append(base, WithColdStart())
	}
	return New(s.id, s.category, s.op, s.ctx, append(base, opts...)...)
}
