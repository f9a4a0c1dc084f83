package workflow

// Trigger represents an event that can cause a state transition
type Trigger string

const (
	TriggerPaymentCompleted      Trigger = "PAYMENT_COMPLETED"
	TriggerVitalsRequested       Trigger = "VITALS_REQUESTED"
	TriggerVitalsRecorded        Trigger = "VITALS_RECORDED"
	TriggerDoctorAssigned        Trigger = "DOCTOR_ASSIGNED"
	TriggerConsultationStarted   Trigger = "CONSULTATION_STARTED"
	TriggerConsultationCompleted Trigger = "CONSULTATION_COMPLETED"
)

// String returns the string representation of the trigger
func (t Trigger) String() string {
	return string(t)
}
