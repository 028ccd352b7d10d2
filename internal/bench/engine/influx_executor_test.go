package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFluxBuilder_Build(t *testing.T) {
	b := NewFluxBuilder("health_iot")

	t.Run("aggregation with default lookback", func(t *testing.T) {
		flux, err := b.Build(workload.Operation{Kind: workload.KindAggregation, GroupBy: "patient_id,vital_type"}, workload.Unsecured())
		require.NoError(t, err)
		assert.Equal(t, `from(bucket: "health_iot")
  |> range(start: -3600s)
  |> filter(fn: (r) => r._measurement == "patient_vitals" and r._field == "vital_value")
  |> group(columns: ["patient_id", "vital_type"])
  |> mean()
`, flux)
	})

	t.Run("simple filter with scope", func(t *testing.T) {
		flux, err := b.Build(workload.Operation{
			Kind:     workload.KindSimpleFilter,
			Lookback: 24 * time.Hour,
			Filters:  map[string]string{"vital_type": "spo2"},
			Limit:    20,
		}, workload.SecurityContext{
			Name:         "ward",
			Level:        workload.LevelFull,
			Department:   "cardiology",
			PatientScope: []string{"p-1", "p-2"},
		})
		require.NoError(t, err)
		assert.Contains(t, flux, "range(start: -86400s)")
		assert.Contains(t, flux, `filter(fn: (r) => r["vital_type"] == "spo2")`)
		assert.Contains(t, flux, `filter(fn: (r) => r.department == "cardiology" and contains(value: r.patient_id, set: ["p-1", "p-2"]))`)
		assert.Contains(t, flux, `sort(columns: ["_time"], desc: true)`)
		assert.Contains(t, flux, "limit(n: 20)")
	})

	t.Run("window", func(t *testing.T) {
		flux, err := b.Build(workload.Operation{Kind: workload.KindWindow}, workload.Unsecured())
		require.NoError(t, err)
		assert.Contains(t, flux, "movingAverage(n: 5)")
	})

	t.Run("basic level adds no predicate", func(t *testing.T) {
		flux, err := b.Build(workload.Operation{Kind: workload.KindSimpleFilter},
			workload.SecurityContext{Level: workload.LevelBasic, Department: "cardiology"})
		require.NoError(t, err)
		assert.NotContains(t, flux, "r.department")
	})

	t.Run("join unsupported", func(t *testing.T) {
		_, err := b.Build(workload.Operation{Kind: workload.KindJoin}, workload.Unsecured())
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("batch write is not a query", func(t *testing.T) {
		_, err := b.Build(workload.Operation{Kind: workload.KindBatchWrite, BatchSize: 10}, workload.Unsecured())
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestVitalPoints(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	op := workload.Operation{Kind: workload.KindBatchWrite, BatchSize: 3}
	sc := workload.SecurityContext{Level: workload.LevelDepartment, Department: "neurology"}

	points := VitalPoints(op, BatchReadings(op, sc, now))
	require.Len(t, points, 3)

	var lines []string
	for _, p := range points {
		lines = append(lines, write.PointToLineProtocol(p, time.Nanosecond))
	}
	assert.Equal(t, "patient_vitals_ingest,department=neurology,device_id=dev-1,patient_id=p-0,vital_type=heart_rate vital_value=60 "+
		strconv.FormatInt(now.UnixNano(), 10)+"\n", lines[0])
	assert.Contains(t, lines[2], "vital_type=temperature vital_value=62")

	op.Measurement = "vitals_ingest"
	assert.Equal(t, "vitals_ingest", VitalPoints(op, BatchReadings(op, sc, now))[0].Name())
}

func TestFluxString_Escapes(t *testing.T) {
	assert.Equal(t, `"a\"b\\c\${x}"`, fluxString(`a"b\c${x}`))
}

func TestInfluxExecutor_TokenFor(t *testing.T) {
	e := &InfluxExecutor{config: InfluxConfig{Tokens: map[string]string{
		"ward":          "t-ward",
		"department":    "t-dept",
		DefaultTokenKey: "t-admin",
	}}}

	tok, ok := e.tokenFor(workload.SecurityContext{Name: "ward", Level: workload.LevelDepartment})
	require.True(t, ok)
	assert.Equal(t, "t-ward", tok)

	tok, _ = e.tokenFor(workload.SecurityContext{Name: "other", Level: workload.LevelDepartment})
	assert.Equal(t, "t-dept", tok)

	tok, _ = e.tokenFor(workload.Unsecured())
	assert.Equal(t, "t-admin", tok)

	empty := &InfluxExecutor{}
	_, ok = empty.tokenFor(workload.Unsecured())
	assert.False(t, ok)
}

func TestInfluxExecutor_BatchWrite(t *testing.T) {
	var (
		mu    sync.Mutex
		lines int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"name":"influxdb","status":"pass","checks":[]}`))
		case "/api/v2/write":
			if r.Header.Get("Authorization") == "Token read-only" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			lines += strings.Count(strings.TrimSpace(string(body)), "\n") + 1
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	exec, err := NewInfluxExecutor(context.Background(), "influx", InfluxConfig{
		URL:    srv.URL,
		Org:    "bench",
		Bucket: "vitals",
		Tokens: map[string]string{DefaultTokenKey: "writer", "department": "read-only"},
	})
	require.NoError(t, err)
	defer exec.Close()

	op := workload.Operation{Kind: workload.KindBatchWrite, BatchSize: 250}

	t.Run("writes the whole batch", func(t *testing.T) {
		spec, err := workload.New("ingest", "ingest_250", op, workload.Unsecured())
		require.NoError(t, err)
		res, err := exec.Execute(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, int64(250), res.RowsReturned)
		mu.Lock()
		assert.Equal(t, 250, lines)
		mu.Unlock()
	})

	t.Run("denied write fails the trial only", func(t *testing.T) {
		spec, err := workload.New("ingest", "ingest_250", op,
			workload.SecurityContext{Name: "cardiology", Level: workload.LevelDepartment, Department: "cardiology"})
		require.NoError(t, err)
		_, err = exec.Execute(context.Background(), spec)
		require.Error(t, err)
		assert.False(t, apperr.IsFatal(err))
		assert.Contains(t, err.Error(), "influx batch_write")
	})
}
