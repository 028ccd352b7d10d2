package harness

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/engine"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/spec"
	"github.com/DjordjeVuckovic/policy-bench/internal/storage/pg"
)

// CreateExecutors opens one executor per plan engine. Postgres pools are sized
// for the largest worker count any scenario uses on that engine.
func CreateExecutors(ctx context.Context, plan *spec.BenchSpec) (map[string]engine.Executor, func(), error) {
	executors := make(map[string]engine.Executor, len(plan.Engines))

	cleanup := func() {
		for name, e := range executors {
			if err := e.Close(); err != nil {
				slog.Warn("Failed to close executor", "engine", name, "error", err)
			}
		}
	}

	for _, name := range slices.Sorted(maps.Keys(plan.Engines)) {
		eng := plan.Engines[name]

		exec, err := createExecutor(ctx, name, eng, maxWorkers(plan, name))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("create %s executor %q: %w", eng.Type, name, err)
		}
		executors[name] = exec
		slog.Info("Enabled engine", "name", name, "type", eng.Type)
	}

	return executors, cleanup, nil
}

func createExecutor(ctx context.Context, name string, eng spec.Engine, workers int) (engine.Executor, error) {
	switch eng.Type {
	case "postgres":
		pool, err := pg.NewConnectionPool(ctx, pg.PoolConfig{
			ConnStr:  eng.Connection,
			MaxConns: int32(max(workers, 4)),
		})
		if err != nil {
			return nil, err
		}
		return engine.NewPgExecutor(name, pool, engine.PgConfig{
			Schema: engine.PgSchema{
				Table:        eng.Schema.Table,
				DevicesTable: eng.Schema.DevicesTable,
			},
			PlanTelemetry: eng.PlanTelemetry,
			Timeout:       eng.Timeout,
		}), nil

	case "influxdb":
		return engine.NewInfluxExecutor(ctx, name, engine.InfluxConfig{
			URL:     eng.Connection,
			Org:     eng.Org,
			Bucket:  eng.Bucket,
			Tokens:  eng.Tokens,
			Timeout: eng.Timeout,
		})

	case "elasticsearch":
		return engine.NewEsExecutor(ctx, name, engine.EsConfig{
			Addresses: strings.Split(eng.Connection, ","),
			Index:     eng.Index,
			Username:  eng.Username,
			Password:  eng.Password,
			Tokens:    eng.Tokens,
			Timeout:   eng.Timeout,
		})
	}

	return nil, fmt.Errorf("unsupported engine type %q", eng.Type)
}

func maxWorkers(plan *spec.BenchSpec, engineName string) int {
	n := 1
	for _, c := range plan.Concurrency {
		if c.Engine != engineName {
			continue
		}
		for _, w := range c.Workers {
			n = max(n, w)
		}
	}
	return n
}

// redact strips credentials from URL-style connection strings. Key/value
// DSNs cannot be redacted reliably and are dropped.
func redact(conn string) string {
	var parts []string
	for _, c := range strings.Split(conn, ",") {
		u, err := url.Parse(strings.TrimSpace(c))
		if err != nil || u.Scheme == "" || u.Host == "" {
			continue
		}
		u.RawQuery = ""
		parts = append(parts, u.Redacted())
	}
	return strings.Join(parts, ",")
}
