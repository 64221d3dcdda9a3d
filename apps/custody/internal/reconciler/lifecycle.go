package reconciler

import (
	"sync/atomic"
)

// State is the lifecycle of the polling loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type lifecycle struct {
	state atomic.Int32
	stop  chan struct{}
	done  chan struct{}
}

func newLifecycle() lifecycle {
	return lifecycle{stop: make(chan struct{}), done: make(chan struct{})}
}

func (l *lifecycle) load() State {
	return State(l.state.Load())
}

func (l *lifecycle) transition(from, to State) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}
