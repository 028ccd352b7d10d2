package workload

// SecurityContext is the access-control identity a workload executes under.
// It is passed explicitly with every workload; executors translate it into
// session settings, roles or tokens for their backend.
type SecurityContext struct {
	Name         string        `json:"name" yaml:"name"`
	Level        SecurityLevel `json:"level" yaml:"level"`
	Department   string        `json:"department,omitempty" yaml:"department,omitempty"`
	Role         string        `json:"role,omitempty" yaml:"role,omitempty"`
	PatientScope []string      `json:"patient_scope,omitempty" yaml:"patient_scope,omitempty"`
}

// Unsecured is the baseline context: no policy active.
func Unsecured() SecurityContext {
	return SecurityContext{Name: "none", Level: LevelNone}
}

func (c SecurityContext) IsBaseline() bool {
	return c.Level == LevelNone
}

func (c SecurityContext) clone() SecurityContext {
	out := c
	if c.PatientScope != nil {
		out.PatientScope = append([]string(nil), c.PatientScope...)
	}
	return out
}
