package server

import "sync/atomic"

// State is the process lifecycle phase. It only moves forward.
type State int32

const (
	Uninitialized State = iota
	Provisioning
	Loaded
	Ready
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Provisioning:
		return "provisioning"
	case Loaded:
		return "loaded"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

type Lifecycle struct {
	state atomic.Int32
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Advance moves to next if it is later than the current state and reports
// whether it did.
func (l *Lifecycle) Advance(next State) bool {
	for {
		cur := l.state.Load()
		if int32(next) <= cur {
			return false
		}
		if l.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}
