package state

// SafetyState is the margin state of a trader or a pool.
type SafetyState int32

const (
	SafetyStateSafe SafetyState = iota
	SafetyStateMarginCalled
)

func (s SafetyState) String() string {
	switch s {
	case SafetyStateSafe:
		return "Safe"
	case SafetyStateMarginCalled:
		return "MarginCalled"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions. Stop-out leaves a
// margin-called subject Safe, same as become-safe.
func (s SafetyState) CanTransitionTo(next SafetyState) bool {
	validTransitions := map[SafetyState][]SafetyState{
		SafetyStateSafe: {
			SafetyStateMarginCalled,
		},
		SafetyStateMarginCalled: {
			SafetyStateSafe,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}
