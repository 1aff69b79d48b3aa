// Package telemetry collects in-process counters about queue activity.
// Nothing ever leaves the device: collection is disabled by default, an
// explicit opt-in only turns on local aggregation, and there is no transport.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

var (
	enabled atomic.Bool

	mu       sync.Mutex
	counters = make(map[string]int64)
	timings  = make(map[string]time.Duration)
)

// Enable turns on local metric aggregation.
func Enable() {
	enabled.Store(true)
}

// Disable turns aggregation off and drops collected values.
func Disable() {
	enabled.Store(false)

	mu.Lock()
	counters = make(map[string]int64)
	timings = make(map[string]time.Duration)
	mu.Unlock()
}

// IsEnabled reports whether aggregation is active.
func IsEnabled() bool {
	return enabled.Load()
}

// RecordCount adds delta to a named counter.
func RecordCount(name string, delta int64) {
	if !enabled.Load() {
		return
	}

	mu.Lock()
	counters[name] += delta
	mu.Unlock()
}

// RecordTiming stores the most recent duration for a named operation.
func RecordTiming(name string, duration time.Duration) {
	if !enabled.Load() {
		return
	}

	mu.Lock()
	timings[name] = duration
	mu.Unlock()
}

// Counters returns a copy of the collected counters.
func Counters() map[string]int64 {
	mu.Lock()
	defer mu.Unlock()

	out := make(map[string]int64, len(counters))
	for name, value := range counters {
		out[name] = value
	}
	return out
}

// Timings returns a copy of the collected timings.
func Timings() map[string]time.Duration {
	mu.Lock()
	defer mu.Unlock()

	out := make(map[string]time.Duration, len(timings))
	for name, value := range timings {
		out[name] = value
	}
	return out
}
