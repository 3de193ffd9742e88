package tracker

import (
	"errors"
	"fmt"
	"time"
)

// Timings holds the tracker's configurable durations.
type Timings struct {
	// Key is how long a momentary keypress stays active.
	Key time.Duration `yaml:"key" json:"key"`
	// NavKey is the auto-release timeout for navigation keys.
	NavKey time.Duration `yaml:"nav_key" json:"nav_key"`
	// Modifier is the raw safety timeout for a held modifier. It is the
	// second line of defence behind the watchdog.
	Modifier time.Duration `yaml:"modifier" json:"modifier"`
	// WatchdogInterval is the period of the stuck-modifier sweep.
	WatchdogInterval time.Duration `yaml:"watchdog_interval" json:"watchdog_interval"`
	// StaleAfter is how long a modifier may go without a fresh signal
	// before the watchdog releases it.
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
	// LivenessWindow is how recent the last line must be for the
	// remapper to count as running.
	LivenessWindow time.Duration `yaml:"liveness_window" json:"liveness_window"`
}

// DefaultTimings returns the stock durations.
func DefaultTimings() Timings {
	return Timings{
		Key:              300 * time.Millisecond,
		NavKey:           200 * time.Millisecond,
		Modifier:         3 * time.Second,
		WatchdogInterval: 500 * time.Millisecond,
		StaleAfter:       2 * time.Second,
		LivenessWindow:   2 * time.Second,
	}
}

// Validate checks that every duration is positive.
func (t Timings) Validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"key", t.Key},
		{"nav_key", t.NavKey},
		{"modifier", t.Modifier},
		{"watchdog_interval", t.WatchdogInterval},
		{"stale_after", t.StaleAfter},
		{"liveness_window", t.LivenessWindow},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("timings.%s must be positive, got %s", d.name, d.value))
		}
	}
	return errors.Join(errs...)
}
