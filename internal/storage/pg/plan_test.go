package pg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seqScanPlan = `[{
  "Plan": {
    "Node Type": "Limit", "Actual Rows": 10, "Actual Loops": 1,
    "Shared Hit Blocks": 90, "Shared Read Blocks": 10,
    "Plans": [{
      "Node Type": "Sort", "Actual Rows": 10, "Actual Loops": 1,
      "Plans": [{
        "Node Type": "Seq Scan", "Actual Rows": 500, "Actual Loops": 1,
        "Rows Removed by Filter": 1500
      }]
    }]
  },
  "Planning Time": 0.12,
  "Execution Time": 3.4
}]`

const bitmapPlan = `[{
  "Plan": {
    "Node Type": "Bitmap Heap Scan", "Actual Rows": 40, "Actual Loops": 1,
    "Rows Removed by Filter": 10,
    "Shared Hit Blocks": 8, "Shared Read Blocks": 0,
    "Plans": [{
      "Node Type": "Bitmap Index Scan", "Actual Rows": 50, "Actual Loops": 1
    }]
  },
  "Planning Time": 0.05,
  "Execution Time": 0.8
}]`

func TestParsePlan(t *testing.T) {
	t.Run("seq scan", func(t *testing.T) {
		s, err := ParsePlan([]byte(seqScanPlan))
		require.NoError(t, err)

		assert.Equal(t, AccessScan, s.Access)
		assert.Equal(t, int64(2000), s.RowsExamined)
		require.NotNil(t, s.CacheHitRatio)
		assert.InDelta(t, 90.0, *s.CacheHitRatio, 1e-9)
		assert.Equal(t, 0.12, s.PlanningMs)
		assert.Equal(t, 3.4, s.ExecutionMs)
		assert.Equal(t, []string{"Limit", "Sort", "Seq Scan"}, s.NodeTypes)
	})

	t.Run("bitmap index", func(t *testing.T) {
		s, err := ParsePlan([]byte(bitmapPlan))
		require.NoError(t, err)

		assert.Equal(t, AccessIndex, s.Access)
		// the index half of the bitmap is not counted twice
		assert.Equal(t, int64(50), s.RowsExamined)
		require.NotNil(t, s.CacheHitRatio)
		assert.Equal(t, 100.0, *s.CacheHitRatio)
	})

	t.Run("loops multiply", func(t *testing.T) {
		s, err := ParsePlan([]byte(`[{"Plan": {"Node Type": "Index Scan", "Actual Rows": 3, "Actual Loops": 4}}]`))
		require.NoError(t, err)
		assert.Equal(t, AccessIndex, s.Access)
		assert.Equal(t, int64(12), s.RowsExamined)
		assert.Nil(t, s.CacheHitRatio)
	})

	t.Run("no scan nodes", func(t *testing.T) {
		s, err := ParsePlan([]byte(`[{"Plan": {"Node Type": "Result", "Actual Rows": 1, "Actual Loops": 1}}]`))
		require.NoError(t, err)
		assert.Equal(t, AccessUnknown, s.Access)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ParsePlan([]byte(`not json`))
		assert.Error(t, err)

		_, err = ParsePlan([]byte(`[]`))
		assert.Error(t, err)
	})
}
