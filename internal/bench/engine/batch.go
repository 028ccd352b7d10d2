package engine

import (
	"fmt"
	"time"

	"github.com/DjordjeVuckovic/policy-bench/internal/bench/workload"
)

const defaultBatchDepartment = "cardiology"

var batchVitalTypes = []string{"heart_rate", "spo2", "temperature"}

// VitalReading is one generated row of a batch write.
type VitalReading struct {
	Time       time.Time
	PatientID  string
	DeviceID   string
	Department string
	VitalType  string
	Value      float64
}

// BatchReadings generates op.BatchSize readings inside the scope of sc, so a
// write policy that admits the context's own rows accepts the whole batch.
// Readings are deterministic apart from their timestamps.
func BatchReadings(op workload.Operation, sc workload.SecurityContext, now time.Time) []VitalReading {
	department := sc.Department
	if department == "" {
		department = defaultBatchDepartment
	}

	out := make([]VitalReading, op.BatchSize)
	for i := range out {
		patient := fmt.Sprintf("p-%d", i%20)
		if len(sc.PatientScope) > 0 {
			patient = sc.PatientScope[i%len(sc.PatientScope)]
		}
		out[i] = VitalReading{
			Time:       now.Add(-time.Duration(i) * time.Millisecond),
			PatientID:  patient,
			DeviceID:   fmt.Sprintf("dev-%d", i%4+1),
			Department: department,
			VitalType:  batchVitalTypes[i%len(batchVitalTypes)],
			Value:      float64(60 + i%40),
		}
	}
	return out
}
