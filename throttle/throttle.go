// Package throttle implements per-pipeline interval sampling.
package throttle

import (
	"sync"
	"time"
)

// Throttle gates rows by payload timestamp spacing. State is one last
// accepted timestamp per pipeline name, shared across all message
// handlers of the process, so access is mutex guarded. The guarded
// section is O(1) and performs no I/O.
type Throttle struct {
	mu   sync.Mutex
	last map[string]int64
}

// New creates an empty throttle.
func New() *Throttle {
	return &Throttle{
		last: make(map[string]int64),
	}
}

// ShouldStore reports whether a row with the given payload timestamp is
// far enough past the pipeline's last accepted timestamp. Acceptance
// records the new timestamp; rejection changes no state. A zero or
// negative interval always accepts without recording.
//
// Gating uses the payload timestamp, not arrival time, so out-of-order
// delivery can reset the gate backwards. That matches the upstream
// device behavior this was built for; arrival-time gating would trade
// that away for resilience to broker retries.
func (t *Throttle) ShouldStore(name string, ts int64, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[name]
	if ok && time.Duration(ts-last)*time.Millisecond < interval {
		return false
	}

	t.last[name] = ts
	return true
}

// Reset clears the recorded timestamp for a pipeline.
func (t *Throttle) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, name)
}

// Len returns the number of pipelines with recorded state.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
