package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Payload keys set by the orchestrator.
const (
	KeyFrom             = "from"
	KeyTo               = "to"
	KeyTrigger          = "trigger"
	KeyStatus           = "status"
	KeyDoctorID         = "doctor_id"
	KeyVitalSignsID     = "vital_signs_id"
	KeyPatientID        = "patient_id"
	KeyInvoiceID        = "invoice_id"
	KeyConsultationType = "consultation_type"
	KeyVersion          = "version"
	KeyActorID          = "actor_id"
)

// Event is raised after a workflow write commits. Events of one commit
// share a CorrelationID of the form "<workflow id>:<version>".
type Event struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	WorkflowID    string                 `json:"workflow_id"`
	Payload       map[string]interface{} `json:"payload"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id"`
}

// NewEvent creates an event with its own correlation id
func NewEvent(eventType Type, workflowID string, payload map[string]interface{}) *Event {
	return NewEventWithCorrelation(eventType, workflowID, payload, uuid.NewString())
}

// NewEventWithCorrelation creates an event linked to a correlation chain
func NewEventWithCorrelation(eventType Type, workflowID string, payload map[string]interface{}, correlationID string) *Event {
	return &Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		WorkflowID:    workflowID,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}
}

// String returns the payload value for key, or "" when it is absent or not a string.
func (e *Event) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// Int returns the payload value for key as int64. Values decoded from JSON
// arrive as float64 or json.Number and are accepted too.
func (e *Event) Int(key string) (int64, bool) {
	switch v := e.Payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	}
	return 0, false
}

// Version is the record version the event was raised at.
func (e *Event) Version() int64 {
	v, _ := e.Int(KeyVersion)
	return v
}
