package cart

// State is the lifecycle state of a cart.
type State string

const (
	StateEmpty      State = "empty"
	StateBuilding   State = "building"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateFailed     State = "failed"
)

// FSM holds the allowed cart state transitions.
type FSM struct {
	transitions map[State][]State
}

// NewFSM creates a new FSM with predefined transitions.
func NewFSM() *FSM {
	return &FSM{
		transitions: map[State][]State{
			StateEmpty:      {StateBuilding},
			StateBuilding:   {StateBuilding, StateSubmitting, StateEmpty},
			StateSubmitting: {StateSubmitted, StateFailed},
			StateSubmitted:  {StateEmpty},
			StateFailed:     {StateBuilding},
		},
	}
}

// CanTransition checks if transition is allowed.
func (f *FSM) CanTransition(from, to State) bool {
	allowed, ok := f.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Mutable reports whether items may be added or removed in state s.
func (s State) Mutable() bool {
	return s == StateEmpty || s == StateBuilding
}
