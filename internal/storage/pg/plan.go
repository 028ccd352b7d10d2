package pg

import (
	"encoding/json"
	"fmt"
	"strings"
)

type AccessKind string

const (
	AccessUnknown AccessKind = "unknown"
	AccessIndex   AccessKind = "index"
	AccessScan    AccessKind = "scan"
)

// PlanSummary condenses EXPLAIN (ANALYZE, BUFFERS, FORMAT JSON) output.
type PlanSummary struct {
	Access        AccessKind
	RowsExamined  int64
	CacheHitRatio *float64
	PlanningMs    float64
	ExecutionMs   float64
	NodeTypes     []string
}

type planNode struct {
	NodeType          string     `json:"Node Type"`
	ActualRows        float64    `json:"Actual Rows"`
	ActualLoops       float64    `json:"Actual Loops"`
	RowsRemovedFilter float64    `json:"Rows Removed by Filter"`
	SharedHitBlocks   int64      `json:"Shared Hit Blocks"`
	SharedReadBlocks  int64      `json:"Shared Read Blocks"`
	Plans             []planNode `json:"Plans"`
}

type explainOutput struct {
	Plan          planNode `json:"Plan"`
	PlanningTime  float64  `json:"Planning Time"`
	ExecutionTime float64  `json:"Execution Time"`
}

// ParsePlan reads the JSON document EXPLAIN returns. A plan with any
// sequential scan is classified as a scan even if other nodes use an index,
// since that is the node a policy predicate typically forces.
func ParsePlan(data []byte) (PlanSummary, error) {
	var out []explainOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return PlanSummary{}, fmt.Errorf("decode explain output: %w", err)
	}
	if len(out) == 0 {
		return PlanSummary{}, fmt.Errorf("empty explain output")
	}

	root := out[0]
	s := PlanSummary{
		Access:      AccessUnknown,
		PlanningMs:  root.PlanningTime,
		ExecutionMs: root.ExecutionTime,
	}

	var sawIndex, sawScan bool
	var walk func(n planNode)
	walk = func(n planNode) {
		s.NodeTypes = append(s.NodeTypes, n.NodeType)
		loops := n.ActualLoops
		if loops == 0 {
			loops = 1
		}
		switch {
		case n.NodeType == "Seq Scan" || n.NodeType == "Parallel Seq Scan":
			sawScan = true
			s.RowsExamined += int64((n.ActualRows + n.RowsRemovedFilter) * loops)
		case strings.Contains(n.NodeType, "Index"):
			sawIndex = true
			// bitmap heap scans report the rows; skip the index half to avoid
			// double counting
			if n.NodeType != "Bitmap Index Scan" {
				s.RowsExamined += int64((n.ActualRows + n.RowsRemovedFilter) * loops)
			}
		case n.NodeType == "Bitmap Heap Scan":
			s.RowsExamined += int64((n.ActualRows + n.RowsRemovedFilter) * loops)
		}
		for _, c := range n.Plans {
			walk(c)
		}
	}
	walk(root.Plan)

	switch {
	case sawScan:
		s.Access = AccessScan
	case sawIndex:
		s.Access = AccessIndex
	}

	// buffer counters on the root node include all children
	if total := root.Plan.SharedHitBlocks + root.Plan.SharedReadBlocks; total > 0 {
		ratio := float64(root.Plan.SharedHitBlocks) / float64(total) * 100
		s.CacheHitRatio = &ratio
	}

	return s, nil
}
