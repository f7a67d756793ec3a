package supervisor

import "fmt"

// State is the lifecycle state of one supervised execution.
type State int32

const (
	StateNotStarted    State = iota // Start has not been called
	StateStarting                   // Start is waiting for the task to yield or return
	StateRunning                    // the task yielded and runs in the background
	StateCompletedSync              // the task returned nil before it ever yielded
	StateFaultedSync                // the task failed before it ever yielded (startup fault)
	StateCompleted                  // the task returned nil after yielding
	StateFaulted                    // the task failed after yielding (runtime fault)
	StateCancelled                  // the task ended because it was cancelled
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCompletedSync:
		return "completed_sync"
	case StateFaultedSync:
		return "faulted_sync"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// validTransitions maps from-state to allowed to-states
var validTransitions = map[State]map[State]bool{
	StateNotStarted: {
		StateStarting: true,
	},
	StateStarting: {
		StateRunning:       true, // task yielded
		StateCompletedSync: true,
		StateFaultedSync:   true,
		StateCompleted:     true, // yielded and finished before Start observed it
		StateFaulted:       true,
		StateCancelled:     true, // start aborted, or cancelled before Start observed the yield
	},
	StateRunning: {
		StateCompleted: true,
		StateFaulted:   true,
		StateCancelled: true,
	},
	// Terminal states
	StateCompletedSync: {},
	StateFaultedSync:   {},
	StateCompleted:     {},
	StateFaulted:       {},
	StateCancelled:     {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminal returns true if no further transitions are possible from s.
func (s State) IsTerminal() bool {
	allowed, exists := validTransitions[s]
	return exists && len(allowed) == 0
}

// IsSynchronous reports whether s is one of the states reached without the
// task ever yielding.
func (s State) IsSynchronous() bool {
	return s == StateCompletedSync || s == StateFaultedSync
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StateNotStarted,
		StateStarting,
		StateRunning,
		StateCompletedSync,
		StateFaultedSync,
		StateCompleted,
		StateFaulted,
		StateCancelled,
	}
}
