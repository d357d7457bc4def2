// Package lifecycle tracks which phase of its life the process is in so health checks can keep
// traffic away while the cache warms and while the server drains.
package lifecycle

import "sync/atomic"

// Phase is a process lifecycle phase. Phases only move forward.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseServing
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseServing:
		return "serving"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// State holds the current phase. The zero value is in PhaseStarting.
type State struct {
	phase atomic.Int32
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	return Phase(s.phase.Load())
}

// MarkServing moves from starting to serving. It has no effect once draining.
func (s *State) MarkServing() {
	s.phase.CompareAndSwap(int32(PhaseStarting), int32(PhaseServing))
}

// BeginDrain moves to draining. Call when SIGTERM/SIGINT received.
func (s *State) BeginDrain() {
	s.phase.Store(int32(PhaseDraining))
}
