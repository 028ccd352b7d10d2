package workload

import "fmt"

// Kind is the closed set of operations a workload can describe.
// Every backend builder switches over it exhaustively.
type Kind string

const (
	KindSimpleFilter Kind = "simple_filter"
	KindAggregation  Kind = "aggregation"
	KindJoin         Kind = "join"
	KindWindow       Kind = "window"
	// KindBatchWrite writes BatchSize generated readings in one request.
	KindBatchWrite Kind = "batch_write"
)

var AllKinds = []Kind{KindSimpleFilter, KindAggregation, KindJoin, KindWindow, KindBatchWrite}

func (k Kind) Valid() bool {
	switch k {
	case KindSimpleFilter, KindAggregation, KindJoin, KindWindow, KindBatchWrite:
		return true
	}
	return false
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown workload kind %q", s)
	}
	return k, nil
}

// SecurityLevel labels how much access control is active for an execution.
type SecurityLevel string

const (
	LevelNone       SecurityLevel = "none"
	LevelBasic      SecurityLevel = "basic"
	LevelDepartment SecurityLevel = "department"
	LevelPatient    SecurityLevel = "patient"
	LevelFull       SecurityLevel = "full"
)

func (l SecurityLevel) Valid() bool {
	switch l {
	case LevelNone, LevelBasic, LevelDepartment, LevelPatient, LevelFull:
		return true
	}
	return false
}

// Well-known label keys. Labels stay an open map; these are the ones the
// harness itself sets or groups by.
const (
	LabelSecurityLevel    = "security_level"
	LabelPolicyComplexity = "policy_complexity"
	LabelContext          = "context"
	LabelBatchSize        = "batch_size"
	LabelDataVolume       = "data_volume"
	LabelConcurrency      = "concurrency"
)
