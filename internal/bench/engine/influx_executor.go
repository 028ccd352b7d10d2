package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	defaultMeasurement = "patient_vitals"
	// Batch writes land apart from the queried series so read trials stay stable.
	defaultIngestMeasurement = "patient_vitals_ingest"
	vitalField         = "vital_value"
	defaultLookback    = time.Hour
	// DefaultTokenKey selects the token used when no context-specific one exists.
	DefaultTokenKey = "default"
)

// FluxBuilder renders an Operation as a Flux script. InfluxDB has no row
// level policies, so department and patient scope are pushed down as
// predicates; the token decides which buckets are readable at all.
type FluxBuilder struct {
	bucket string
}

func NewFluxBuilder(bucket string) *FluxBuilder {
	return &FluxBuilder{bucket: bucket}
}

func (b *FluxBuilder) Build(op workload.Operation, sc workload.SecurityContext) (string, error) {
	measurement := op.Measurement
	if measurement == "" {
		measurement = defaultMeasurement
	}
	lookback := op.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "from(bucket: %s)\n", fluxString(b.bucket))
	fmt.Fprintf(&sb, "  |> range(start: -%ds)\n", int64(lookback.Seconds()))
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r._measurement == %s and r._field == %s)\n",
		fluxString(measurement), fluxString(vitalField))
	for _, k := range slices.Sorted(maps.Keys(op.Filters)) {
		fmt.Fprintf(&sb, "  |> filter(fn: (r) => r[%s] == %s)\n", fluxString(k), fluxString(op.Filters[k]))
	}
	if scope := scopePredicate(sc); scope != "" {
		fmt.Fprintf(&sb, "  |> filter(fn: (r) => %s)\n", scope)
	}

	switch op.Kind {
	case workload.KindSimpleFilter:
		sb.WriteString(`  |> sort(columns: ["_time"], desc: true)` + "\n")

	case workload.KindAggregation:
		cols := strings.Split(op.GroupBy, ",")
		if op.GroupBy == "" {
			cols = []string{defaultGroupBy}
		}
		quoted := make([]string, 0, len(cols))
		for _, c := range cols {
			if c = strings.TrimSpace(c); c != "" {
				quoted = append(quoted, fluxString(c))
			}
		}
		fmt.Fprintf(&sb, "  |> group(columns: [%s])\n", strings.Join(quoted, ", "))
		sb.WriteString("  |> mean()\n")

	case workload.KindJoin:
		return "", apperr.NewValidation("influxdb: join workloads are not supported")

	case workload.KindBatchWrite:
		return "", apperr.NewValidation("influxdb: batch writes are not queries")

	case workload.KindWindow:
		size := op.WindowSize
		if size <= 0 {
			size = defaultWindowSize
		}
		sb.WriteString(`  |> group(columns: ["patient_id"])` + "\n")
		fmt.Fprintf(&sb, "  |> movingAverage(n: %d)\n", size)

	default:
		return "", apperr.NewValidation(fmt.Sprintf("influxdb: unsupported workload kind %q", op.Kind))
	}

	if op.Limit > 0 {
		fmt.Fprintf(&sb, "  |> limit(n: %d)\n", op.Limit)
	}
	return sb.String(), nil
}

func scopePredicate(sc workload.SecurityContext) string {
	var parts []string
	switch sc.Level {
	case workload.LevelDepartment, workload.LevelFull:
		if sc.Department != "" {
			parts = append(parts, "r.department == "+fluxString(sc.Department))
		}
	}
	switch sc.Level {
	case workload.LevelPatient, workload.LevelFull:
		if len(sc.PatientScope) > 0 {
			ids := make([]string, len(sc.PatientScope))
			for i, p := range sc.PatientScope {
				ids[i] = fluxString(p)
			}
			parts = append(parts, "contains(value: r.patient_id, set: ["+strings.Join(ids, ", ")+"])")
		}
	}
	return strings.Join(parts, " and ")
}

func fluxString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

type InfluxConfig struct {
	URL    string
	Org    string
	Bucket string
	// Tokens is keyed by context name, then security level, then DefaultTokenKey.
	Tokens  map[string]string
	Timeout time.Duration
}

type InfluxExecutor struct {
	name    string
	config  InfluxConfig
	builder *FluxBuilder

	mu      sync.Mutex
	clients map[string]influxdb2.Client
}

// NewInfluxExecutor checks the server is healthy with the default token
// before any trial runs.
func NewInfluxExecutor(ctx context.Context, name string, cfg InfluxConfig) (*InfluxExecutor, error) {
	e := &InfluxExecutor{
		name:    name,
		config:  cfg,
		builder: NewFluxBuilder(cfg.Bucket),
		clients: make(map[string]influxdb2.Client),
	}

	token := cfg.Tokens[DefaultTokenKey]
	for _, k := range slices.Sorted(maps.Keys(cfg.Tokens)) {
		if token != "" {
			break
		}
		token = cfg.Tokens[k]
	}
	client := e.client(token)
	health, err := client.Health(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("influx health check %s: %w", cfg.URL, err)
	}
	if health.Status != "pass" {
		e.Close()
		return nil, fmt.Errorf("influx %s reports status %q", cfg.URL, health.Status)
	}
	return e, nil
}

func (e *InfluxExecutor) client(token string) influxdb2.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[token]; ok {
		return c
	}
	opts := influxdb2.DefaultOptions()
	if e.config.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(e.config.Timeout.Seconds()))
	}
	c := influxdb2.NewClientWithOptions(e.config.URL, token, opts)
	e.clients[token] = c
	return c
}

func (e *InfluxExecutor) tokenFor(sc workload.SecurityContext) (string, bool) {
	for _, k := range []string{sc.Name, string(sc.Level), DefaultTokenKey} {
		if t, ok := e.config.Tokens[k]; ok && t != "" {
			return t, true
		}
	}
	return "", false
}

func (e *InfluxExecutor) Execute(ctx context.Context, spec workload.Spec) (*Execution, error) {
	sc := spec.Context()
	token, ok := e.tokenFor(sc)
	if !ok {
		return nil, apperr.NewFatal(e.name, fmt.Errorf("no token for context %q", sc.Name))
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}
	if spec.Kind() == workload.KindBatchWrite {
		return e.write(ctx, token, spec)
	}

	flux, err := e.builder.Build(spec.Operation(), sc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := e.client(token).QueryAPI(e.config.Org).Query(ctx, flux)
	if err != nil {
		return nil, e.wrap(spec, err)
	}
	var n int64
	for result.Next() {
		n++
	}
	qerr := result.Err()
	_ = result.Close()
	if qerr != nil {
		return nil, e.wrap(spec, qerr)
	}

	return &Execution{
		Latency:      time.Since(start),
		RowsReturned: n,
		AccessPath:   AccessUnknown,
		Diagnostics:  map[string]any{"flux_bytes": len(flux)},
	}, nil
}

// write sends one batch with the context's token. A token without write
// access fails the trial like a denied query.
func (e *InfluxExecutor) write(ctx context.Context, token string, spec workload.Spec) (*Execution, error) {
	op := spec.Operation()
	points := VitalPoints(op, BatchReadings(op, spec.Context(), time.Now()))

	start := time.Now()
	if err := e.client(token).WriteAPIBlocking(e.config.Org, e.config.Bucket).WritePoint(ctx, points...); err != nil {
		return nil, e.wrap(spec, err)
	}
	return &Execution{
		Latency:      time.Since(start),
		RowsReturned: int64(len(points)),
		AccessPath:   AccessUnknown,
		Diagnostics:  map[string]any{"batch_size": op.BatchSize},
	}, nil
}

// VitalPoints converts readings into line protocol points.
func VitalPoints(op workload.Operation, rows []VitalReading) []*write.Point {
	measurement := op.Measurement
	if measurement == "" {
		measurement = defaultIngestMeasurement
	}
	points := make([]*write.Point, len(rows))
	for i, r := range rows {
		points[i] = influxdb2.NewPoint(measurement,
			map[string]string{
				"patient_id": r.PatientID,
				"device_id":  r.DeviceID,
				"department": r.Department,
				"vital_type": r.VitalType,
			},
			map[string]any{vitalField: r.Value},
			r.Time,
		)
	}
	return points
}

func (e *InfluxExecutor) wrap(spec workload.Spec, err error) error {
	var he *ihttp.Error
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusUnauthorized:
			return apperr.NewFatal(e.name, err)
		}
	}
	return fmt.Errorf("influx %s %q: %w", spec.Kind(), spec.ID(), err)
}

func (e *InfluxExecutor) Name() string { return e.name }

func (e *InfluxExecutor) Capabilities() Capabilities {
	return Capabilities{
		Kinds: []workload.Kind{workload.KindSimpleFilter, workload.KindAggregation, workload.KindWindow, workload.KindBatchWrite},
	}
}

func (e *InfluxExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clients {
		c.Close()
	}
	clear(e.clients)
	return nil
}
