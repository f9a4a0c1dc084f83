package entity

import (
	"time"

	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// TransitionEntry is one accepted transition in a workflow's audit trail
type TransitionEntry struct {
	WorkflowID   string           `json:"workflow_id"`
	FromStatus   domainwf.State   `json:"from_status"`
	ToStatus     domainwf.State   `json:"to_status"`
	Trigger      domainwf.Trigger `json:"trigger"`
	ActorID      string           `json:"actor_id"`
	DoctorID     string           `json:"doctor_id,omitempty"`
	VitalSignsID string           `json:"vital_signs_id,omitempty"`
	Version      int64            `json:"version"`
	Timestamp    time.Time        `json:"timestamp"`
}
