package runner

import "time"

const (
	DefaultWarmupRuns = 0
	DefaultPause      = 100 * time.Millisecond
)

type Config struct {
	// WarmupRuns are executed and discarded before measured trials.
	// Cold-start workloads skip them.
	WarmupRuns int
	// Pause between measured trials to keep caching artifacts out of the
	// samples. Zero disables it.
	Pause time.Duration
	RunID string
}

func DefaultConfig() Config {
	return Config{
		WarmupRuns: DefaultWarmupRuns,
		Pause:      DefaultPause,
	}
}
