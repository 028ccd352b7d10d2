package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/apperr"
	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEsBuilder_Build(t *testing.T) {
	var b EsBuilder

	t.Run("simple filter", func(t *testing.T) {
		body, err := b.Build(workload.Operation{
			Kind:     workload.KindSimpleFilter,
			Lookback: time.Hour,
			Filters:  map[string]string{"department": "cardiology"},
		})
		require.NoError(t, err)

		raw, err := json.Marshal(body)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"size": 10,
			"track_total_hits": true,
			"query": {"bool": {"filter": [
				{"range": {"time": {"gte": "now-3600s"}}},
				{"term": {"department": "cardiology"}}
			]}},
			"sort": [{"time": "desc"}]
		}`, string(raw))
	})

	t.Run("aggregation single column", func(t *testing.T) {
		body, err := b.Build(workload.Operation{Kind: workload.KindAggregation, Limit: 5})
		require.NoError(t, err)
		raw, _ := json.Marshal(body)
		assert.JSONEq(t, `{
			"size": 0,
			"query": {"bool": {"filter": []}},
			"aggs": {"groups": {
				"terms": {"field": "patient_id", "size": 5},
				"aggs": {"avg_value": {"avg": {"field": "vital_value"}}}
			}}
		}`, string(raw))
	})

	t.Run("aggregation multi column", func(t *testing.T) {
		body, err := b.Build(workload.Operation{Kind: workload.KindAggregation, GroupBy: "patient_id,vital_type"})
		require.NoError(t, err)
		raw, _ := json.Marshal(body)
		assert.Contains(t, string(raw), `"multi_terms":{"size":100,"terms":[{"field":"patient_id"},{"field":"vital_type"}]}`)
	})

	t.Run("window", func(t *testing.T) {
		body, err := b.Build(workload.Operation{Kind: workload.KindWindow, WindowSize: 3})
		require.NoError(t, err)
		raw, _ := json.Marshal(body)
		assert.Contains(t, string(raw), `"moving_fn":{"buckets_path":"avg_value","script":"MovingFunctions.unweightedAvg(values)","window":3}`)
	})

	t.Run("join unsupported", func(t *testing.T) {
		_, err := b.Build(workload.Operation{Kind: workload.KindJoin})
		assert.True(t, apperr.IsValidation(err))
	})

	t.Run("batch write unsupported", func(t *testing.T) {
		_, err := b.Build(workload.Operation{Kind: workload.KindBatchWrite, BatchSize: 100})
		assert.True(t, apperr.IsValidation(err))
	})
}

func TestEsExecutor_Headers(t *testing.T) {
	e := &EsExecutor{config: EsConfig{Tokens: map[string]string{"patient": "key-1"}}}

	assert.Equal(t, map[string]string{"Authorization": "ApiKey key-1"},
		e.headers(workload.SecurityContext{Name: "p", Level: workload.LevelPatient}))
	assert.Equal(t, map[string]string{runAsHeader: "nurse"},
		e.headers(workload.SecurityContext{Name: "d", Level: workload.LevelDepartment, Role: "nurse"}))
	assert.Nil(t, e.headers(workload.SecurityContext{Name: "none", Level: workload.LevelNone, Role: "nurse"}))
}
