package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when the trigger is not applicable to the current state and guards
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyRecorded is returned when vitals are recorded on a workflow that already has them
	ErrAlreadyRecorded = errors.New("vital signs already recorded")

	// ErrInvalidState is returned when a state is not valid
	ErrInvalidState = errors.New("invalid state")
)

var (
	// ErrWorkflowNotFound is returned when no workflow matches the lookup
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDuplicateActiveWorkflow is returned when an invoice already has an active workflow
	ErrDuplicateActiveWorkflow = errors.New("invoice already has an active workflow")

	// ErrNoEligibleDoctor is returned when no active doctor can take the encounter
	ErrNoEligibleDoctor = errors.New("no eligible doctor")

	// ErrDoctorInactive is returned when a manual assignment names an inactive or unknown doctor.
	// It is a refinement of ErrNoEligibleDoctor.
	ErrDoctorInactive = fmt.Errorf("doctor is not active: %w", ErrNoEligibleDoctor)

	// ErrDoctorMismatch is returned when the acting doctor is not the assigned doctor
	ErrDoctorMismatch = errors.New("doctor does not match assignment")

	// ErrConcurrentModification is returned when a competing write won the version race
	ErrConcurrentModification = errors.New("workflow modified concurrently")
)

// ErrInvalidInput is returned when a required argument is missing or malformed
var ErrInvalidInput = errors.New("invalid input")
