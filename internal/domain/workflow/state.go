package workflow

// State represents a workflow state in the encounter lifecycle
type State string

const (
	// StateNone is the pseudo-state of an encounter that has no workflow yet
	StateNone              State = ""
	StatePaymentPending    State = "payment-pending"
	StatePaymentCompleted  State = "payment-completed"
	StateVitalsPending     State = "vitals-pending"
	StateDoctorAssignment  State = "doctor-assignment"
	StateConsultationReady State = "consultation-ready"
	StateInProgress        State = "in-progress"
	StateCompleted         State = "completed"
)

// States returns all valid workflow states in progression order
func States() []State {
	return []State{
		StatePaymentPending,
		StatePaymentCompleted,
		StateVitalsPending,
		StateDoctorAssignment,
		StateConsultationReady,
		StateInProgress,
		StateCompleted,
	}
}

// IsTerminal returns true if the state is a terminal state (no further transitions allowed)
func (s State) IsTerminal() bool {
	return s == StateCompleted
}

// IsActive returns true while the encounter has not completed
func (s State) IsActive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// IsQueued reports whether a workflow in this state belongs in its doctor's queue
func (s State) IsQueued() bool {
	return s == StateConsultationReady || s == StateInProgress
}

// AllowsReassignment reports whether the assigned doctor may still change
func (s State) AllowsReassignment() bool {
	return s == StatePaymentCompleted || s == StateVitalsPending || s == StateDoctorAssignment
}

// Rank returns the position of the state in normal progression, 0 for StateNone or unknown states.
// Transitions never move to a lower rank.
func (s State) Rank() int {
	switch s {
	case StatePaymentPending:
		return 1
	case StatePaymentCompleted:
		return 2
	case StateVitalsPending:
		return 3
	case StateDoctorAssignment:
		return 4
	case StateConsultationReady:
		return 5
	case StateInProgress:
		return 6
	case StateCompleted:
		return 7
	default:
		return 0
	}
}

// Before returns true if s comes strictly earlier than other in normal progression
func (s State) Before(other State) bool {
	return s.Rank() < other.Rank()
}

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

// IsValid returns true if the state is a valid workflow state
func (s State) IsValid() bool {
	return s.Rank() > 0
}
