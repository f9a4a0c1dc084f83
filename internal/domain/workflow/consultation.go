package workflow

import "sync"

var (
	consultationOnce  sync.Once
	consultationTable *Table
)

// BuildConsultationTable creates the transition table for the consultation workflow.
//
// payment-completed and vitals-pending are merge points: the state reached
// after vitals or a doctor arrives depends on whether the other prerequisite
// is already present. Both must hold to reach consultation-ready.
func BuildConsultationTable() *Table {
	builder := NewBuilder()

	builder.Configure(StateNone).
		Permit(TriggerPaymentCompleted, StatePaymentCompleted)

	builder.Configure(StatePaymentPending).
		Permit(TriggerPaymentCompleted, StatePaymentCompleted)

	builder.Configure(StatePaymentCompleted).
		Permit(TriggerVitalsRequested, StateVitalsPending).
		PermitIf(TriggerVitalsRecorded, StateConsultationReady, DoctorPresent).
		Permit(TriggerVitalsRecorded, StateDoctorAssignment).
		PermitIf(TriggerDoctorAssigned, StateConsultationReady, VitalsPresent).
		Permit(TriggerDoctorAssigned, StateDoctorAssignment)

	builder.Configure(StateVitalsPending).
		PermitIf(TriggerVitalsRecorded, StateConsultationReady, DoctorPresent).
		Permit(TriggerVitalsRecorded, StateDoctorAssignment).
		PermitIf(TriggerDoctorAssigned, StateConsultationReady, VitalsPresent).
		Permit(TriggerDoctorAssigned, StateDoctorAssignment)

	// Exactly one prerequisite is present while waiting here.
	builder.Configure(StateDoctorAssignment).
		PermitIf(TriggerVitalsRecorded, StateConsultationReady, DoctorPresent).
		Permit(TriggerVitalsRecorded, StateDoctorAssignment).
		PermitIf(TriggerDoctorAssigned, StateConsultationReady, VitalsPresent).
		Permit(TriggerDoctorAssigned, StateDoctorAssignment)

	// Late vitals only reach these states for encounters that skipped capture,
	// and a doctor is always attached from consultation-ready on.
	builder.Configure(StateConsultationReady).
		Permit(TriggerConsultationStarted, StateInProgress).
		PermitIf(TriggerVitalsRecorded, StateConsultationReady, DoctorPresent)

	builder.Configure(StateInProgress).
		Permit(TriggerConsultationCompleted, StateCompleted).
		PermitIf(TriggerVitalsRecorded, StateInProgress, DoctorPresent)

	// completed is terminal - no outgoing transitions

	return builder.Build()
}

// ConsultationMachine returns the shared consultation workflow state machine
func ConsultationMachine() StateMachine {
	return consultation()
}

// consultation builds the table on first use
func consultation() *Table {
	consultationOnce.Do(func() {
		consultationTable = BuildConsultationTable()
	})
	return consultationTable
}

// Transition computes the next state of a consultation workflow.
// It is a pure function of its inputs.
func Transition(state State, doctorPresent, vitalsPresent bool, trigger Trigger) (State, error) {
	return consultation().Next(state, Guards{DoctorPresent: doctorPresent, VitalsPresent: vitalsPresent}, trigger)
}
