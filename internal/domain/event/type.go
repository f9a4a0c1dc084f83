package event

// Type identifies the type of domain event
type Type string

const (
	TypeWorkflowCreated   Type = "workflow.created"
	TypeStatusChanged     Type = "workflow.status_changed"
	TypeDoctorAssigned    Type = "workflow.doctor_assigned"
	TypeConsultationReady Type = "workflow.consultation_ready"
	TypeWorkflowCompleted Type = "workflow.completed"
)

// String returns the string representation of the event type
func (t Type) String() string {
	return string(t)
}

// IsValid checks if the event type is one of the defined constants
func (t Type) IsValid() bool {
	switch t {
	case TypeWorkflowCreated,
		TypeStatusChanged,
		TypeDoctorAssigned,
		TypeConsultationReady,
		TypeWorkflowCompleted:
		return true
	default:
		return false
	}
}
