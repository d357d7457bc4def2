// Package traffic keeps sliding windows of widget render outcomes for health reporting.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how long outcomes are kept regardless of the queried window.
const retention = 15 * time.Minute

// Tracker maintains sliding windows of outcome timestamps. The zero value is ready to use.
type Tracker struct {
	mu            sync.Mutex
	now           func() time.Time
	renderedTimes []time.Time
	degradedTimes []time.Time
	deniedTimes   []time.Time
}

// New returns an empty Tracker using the wall clock.
func New() *Tracker {
	return &Tracker{now: time.Now}
}

func (t *Tracker) clock() time.Time {
	if t.now == nil {
		return time.Now()
	}
	return t.now()
}

// RecordRendered records a render served with live or cached weather data.
func (t *Tracker) RecordRendered() {
	t.recordOutcome(&t.renderedTimes)
}

// RecordDegraded records a render that fell back to the unavailable placeholder.
func (t *Tracker) RecordDegraded() {
	t.recordOutcome(&t.degradedTimes)
}

// RecordDenied records a rate-limit denial (429).
func (t *Tracker) RecordDenied() {
	t.recordOutcome(&t.deniedTimes)
}

func (t *Tracker) recordOutcome(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns rendered + degraded + denied outcomes within the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	return countInWindow(t.renderedTimes, cutoff) +
		countInWindow(t.degradedTimes, cutoff) +
		countInWindow(t.deniedTimes, cutoff)
}

// DenialCount returns the number of rate-limit denials within the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countInWindow(t.deniedTimes, t.clock().Add(-window))
}

// DegradedRate returns (degraded, total) within the window where total = rendered + degraded.
// Denials never reach the renderer and are excluded.
func (t *Tracker) DegradedRate(window time.Duration) (degraded, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	d := countInWindow(t.degradedTimes, cutoff)
	return d, d + countInWindow(t.renderedTimes, cutoff)
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.renderedTimes = nil
	t.degradedTimes = nil
	t.deniedTimes = nil
}

func countInWindow(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than retention. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.renderedTimes)
	prune(&t.degradedTimes)
	prune(&t.deniedTimes)
}
