package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/DjordjeVuckovic/policy-bench/internal/storage/pg"
	"github.com/jackc/pgx/v5"
)

const (
	defaultVitalsTable  = "patient_vitals"
	defaultDevicesTable = "devices"
	defaultGroupBy      = "patient_id"
	defaultWindowSize   = 5
)

// Session settings read by the row-level security policies.
const (
	SettingSecurityLevel = "app.security_level"
	SettingDepartment    = "app.department"
	SettingPatientScope  = "app.patient_scope"
)

var vitalsColumns = []string{"time", "patient_id", "device_id", "department", "vital_type", "vital_value"}

type PgSchema struct {
	Table        string
	DevicesTable string
}

// PgBuilder turns an Operation into parameterized SQL over the vitals table.
type PgBuilder struct {
	schema PgSchema
}

func NewPgBuilder(schema PgSchema) *PgBuilder {
	if schema.Table == "" {
		schema.Table = defaultVitalsTable
	}
	if schema.DevicesTable == "" {
		schema.DevicesTable = defaultDevicesTable
	}
	return &PgBuilder{schema: schema}
}

func (b *PgBuilder) Build(op workload.Operation) (string, []any, error) {
	table := b.schema.Table
	if op.Measurement != "" {
		table = op.Measurement
	}

	switch op.Kind {
	case workload.KindSimpleFilter:
		where, args := b.where(op, "")
		var sb strings.Builder
		sb.WriteString("SELECT " + strings.Join(vitalsColumns, ", "))
		sb.WriteString(" FROM " + ident(table))
		sb.WriteString(where)
		sb.WriteString(" ORDER BY time DESC")
		sb.WriteString(limit(op.Limit))
		return sb.String(), args, nil

	case workload.KindAggregation:
		cols, err := groupColumns(op.GroupBy)
		if err != nil {
			return "", nil, err
		}
		where, args := b.where(op, "")
		keys := strings.Join(cols, ", ")
		var sb strings.Builder
		sb.WriteString("SELECT " + keys + ", count(*), avg(vital_value), min(vital_value), max(vital_value)")
		sb.WriteString(" FROM " + ident(table))
		sb.WriteString(where)
		sb.WriteString(" GROUP BY " + keys)
		sb.WriteString(" ORDER BY " + keys)
		sb.WriteString(limit(op.Limit))
		return sb.String(), args, nil

	case workload.KindJoin:
		devices := b.schema.DevicesTable
		if op.JoinWith != "" {
			devices = op.JoinWith
		}
		where, args := b.where(op, "v.")
		var sb strings.Builder
		sb.WriteString("SELECT v.time, v.patient_id, v.vital_type, v.vital_value, d.device_type")
		sb.WriteString(" FROM " + ident(table) + " v")
		sb.WriteString(" JOIN " + ident(devices) + " d ON d.device_id = v.device_id")
		sb.WriteString(where)
		sb.WriteString(" ORDER BY v.time DESC")
		sb.WriteString(limit(op.Limit))
		return sb.String(), args, nil

	case workload.KindWindow:
		size := op.WindowSize
		if size <= 0 {
			size = defaultWindowSize
		}
		where, args := b.where(op, "")
		var sb strings.Builder
		sb.WriteString("SELECT time, patient_id, vital_value, avg(vital_value) OVER (")
		sb.WriteString("PARTITION BY patient_id ORDER BY time ROWS BETWEEN ")
		sb.WriteString(strconv.Itoa(size - 1))
		sb.WriteString(" PRECEDING AND CURRENT ROW) AS moving_avg")
		sb.WriteString(" FROM " + ident(table))
		sb.WriteString(where)
		sb.WriteString(" ORDER BY patient_id, time")
		sb.WriteString(limit(op.Limit))
		return sb.String(), args, nil

	case workload.KindBatchWrite:
		return "", nil, apperr.NewValidation("postgres: batch writes are built with BuildInsert")
	}

	return "", nil, apperr.NewValidation(fmt.Sprintf("postgres: unsupported workload kind %q", op.Kind))
}

// BuildInsert renders one multi-row INSERT over unnest'ed arrays. COPY is
// not used because it refuses tables with row level security.
func (b *PgBuilder) BuildInsert(op workload.Operation, rows []VitalReading) (string, []any) {
	table := b.schema.Table
	if op.Measurement != "" {
		table = op.Measurement
	}

	var (
		times      = make([]time.Time, len(rows))
		patients   = make([]string, len(rows))
		devices    = make([]string, len(rows))
		depts      = make([]string, len(rows))
		vitalTypes = make([]string, len(rows))
		values     = make([]float64, len(rows))
	)
	for i, r := range rows {
		times[i], patients[i], devices[i] = r.Time, r.PatientID, r.DeviceID
		depts[i], vitalTypes[i], values[i] = r.Department, r.VitalType, r.Value
	}

	query := "INSERT INTO " + ident(table) + " (" + strings.Join(vitalsColumns, ", ") + ")" +
		" SELECT * FROM unnest($1::timestamptz[], $2::text[], $3::text[], $4::text[], $5::text[], $6::float8[])"
	return query, []any{times, patients, devices, depts, vitalTypes, values}
}

func (b *PgBuilder) where(op workload.Operation, alias string) (string, []any) {
	var conds []string
	var args []any

	if op.Lookback > 0 {
		args = append(args, op.Lookback.Seconds())
		conds = append(conds, fmt.Sprintf("%stime >= now() - make_interval(secs => $%d)", alias, len(args)))
	}
	for _, k := range slices.Sorted(maps.Keys(op.Filters)) {
		args = append(args, op.Filters[k])
		conds = append(conds, fmt.Sprintf("%s%s = $%d", alias, ident(k), len(args)))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func groupColumns(groupBy string) ([]string, error) {
	if groupBy == "" {
		groupBy = defaultGroupBy
	}
	var cols []string
	for _, c := range strings.Split(groupBy, ",") {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		cols = append(cols, ident(c))
	}
	if len(cols) == 0 {
		return nil, apperr.NewValidation(fmt.Sprintf("postgres: invalid group_by %q", groupBy))
	}
	return cols, nil
}

func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func limit(n int) string {
	if n <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(n)
}

// SessionFor maps a security context onto the role and settings the policies
// expect. The baseline context still sets its level so a policy can let it
// through explicitly.
func SessionFor(sc workload.SecurityContext) pg.Session {
	settings := map[string]string{SettingSecurityLevel: string(sc.Level)}
	if sc.Department != "" {
		settings[SettingDepartment] = sc.Department
	}
	if len(sc.PatientScope) > 0 {
		settings[SettingPatientScope] = strings.Join(sc.PatientScope, ",")
	}
	return pg.Session{Role: sc.Role, Settings: settings}
}

type PgConfig struct {
	Schema        PgSchema
	PlanTelemetry bool
	Timeout       time.Duration
}

type PgExecutor struct {
	name    string
	pool    *pg.ConnectionPool
	health  *pg.HealthChecker
	builder *PgBuilder
	config  PgConfig
}

// NewPgExecutor takes ownership of pool; Close closes it.
func NewPgExecutor(name string, pool *pg.ConnectionPool, cfg PgConfig) *PgExecutor {
	return &PgExecutor{
		name:    name,
		pool:    pool,
		health:  pg.NewHealthChecker(pool),
		builder: NewPgBuilder(cfg.Schema),
		config:  cfg,
	}
}

func (e *PgExecutor) Execute(ctx context.Context, spec workload.Spec) (*Execution, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}
	if spec.Kind() == workload.KindBatchWrite {
		return e.write(ctx, spec)
	}

	query, args, err := e.builder.Build(spec.Operation())
	if err != nil {
		return nil, err
	}

	exec := &Execution{AccessPath: AccessUnknown}
	err = e.pool.ReadOnly(ctx, SessionFor(spec.Context()), func(tx pgx.Tx) error {
		start := time.Now()
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		var n int64
		for rows.Next() {
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		exec.Latency = time.Since(start)
		exec.RowsReturned = n

		if e.config.PlanTelemetry {
			e.explain(ctx, tx, query, args, exec)
		}
		return nil
	})
	if err != nil {
		if pg.IsConnectionError(err) {
			return nil, apperr.NewFatal(e.name, err)
		}
		return nil, fmt.Errorf("pg exec %q: %w", spec.ID(), err)
	}

	return exec, nil
}

// write inserts one batch under the context's session. The transaction is
// rolled back so repeated trials measure the same table.
func (e *PgExecutor) write(ctx context.Context, spec workload.Spec) (*Execution, error) {
	op := spec.Operation()
	query, args := e.builder.BuildInsert(op, BatchReadings(op, spec.Context(), time.Now()))

	exec := &Execution{AccessPath: AccessUnknown}
	err := e.pool.Discarded(ctx, SessionFor(spec.Context()), func(tx pgx.Tx) error {
		start := time.Now()
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return err
		}
		exec.Latency = time.Since(start)
		exec.RowsReturned = tag.RowsAffected()
		return nil
	})
	if err != nil {
		if pg.IsConnectionError(err) {
			return nil, apperr.NewFatal(e.name, err)
		}
		return nil, fmt.Errorf("pg write %q: %w", spec.ID(), err)
	}
	exec.Diagnostics = map[string]any{"batch_size": op.BatchSize}
	return exec, nil
}

// explain re-runs the statement under EXPLAIN ANALYZE in the same session.
// Failures leave the telemetry unknown and do not fail the trial.
func (e *PgExecutor) explain(ctx context.Context, tx pgx.Tx, query string, args []any, exec *Execution) {
	var raw []byte
	if err := tx.QueryRow(ctx, "EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) "+query, args...).Scan(&raw); err != nil {
		slog.Debug("Explain failed", "backend", e.name, "error", err)
		return
	}
	plan, err := pg.ParsePlan(raw)
	if err != nil {
		slog.Debug("Explain output not understood", "backend", e.name, "error", err)
		return
	}

	switch plan.Access {
	case pg.AccessIndex:
		exec.AccessPath = AccessIndex
	case pg.AccessScan:
		exec.AccessPath = AccessScan
	}
	examined := plan.RowsExamined
	exec.RowsExamined = &examined
	exec.CacheHitRatio = plan.CacheHitRatio
	exec.Diagnostics = map[string]any{
		"planning_ms":  plan.PlanningMs,
		"execution_ms": plan.ExecutionMs,
		"nodes":        plan.NodeTypes,
	}
}

func (e *PgExecutor) Name() string { return e.name }

func (e *PgExecutor) Capabilities() Capabilities {
	return Capabilities{
		Kinds:          workload.AllKinds,
		PlanTelemetry:  e.config.PlanTelemetry,
		CacheTelemetry: e.config.PlanTelemetry,
	}
}

func (e *PgExecutor) Healthy(ctx context.Context) bool { return e.health.Healthy(ctx) }

func (e *PgExecutor) Close() error {
	e.pool.Close()
	return nil
}

// Version reports the server version for run metadata.
func (e *PgExecutor) Version(ctx context.Context) (string, error) {
	return e.pool.ServerVersion(ctx)
}
