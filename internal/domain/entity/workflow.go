package entity

import (
	"sort"
	"time"

	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// WorkflowRecord tracks one clinical encounter from payment to consultation completion
type WorkflowRecord struct {
	ID               string           `json:"id"`
	PatientID        string           `json:"patient_id"`
	InvoiceID        string           `json:"invoice_id"`
	VitalSignsID     string           `json:"vital_signs_id,omitempty"`
	DoctorID         string           `json:"doctor_id,omitempty"`
	ConsultationType ConsultationType `json:"consultation_type"`
	Status           domainwf.State   `json:"status"`
	CreatedBy        string           `json:"created_by,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	// Version increases by one on every accepted write and guards conditional updates
	Version int64 `json:"version"`
}

// HasDoctor reports whether a doctor is attached
func (w *WorkflowRecord) HasDoctor() bool {
	return w.DoctorID != ""
}

// HasVitals reports whether vital signs are attached
func (w *WorkflowRecord) HasVitals() bool {
	return w.VitalSignsID != ""
}

// IsActive reports whether the encounter is still open
func (w *WorkflowRecord) IsActive() bool {
	return w.Status != domainwf.StateCompleted
}

// Clone returns a copy safe to mutate independently of the receiver
func (w *WorkflowRecord) Clone() *WorkflowRecord {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}

// WorkflowFilter selects workflows from a store. Zero values mean "no filter".
type WorkflowFilter struct {
	Status    domainwf.State `form:"status"`
	DoctorID  string         `form:"doctor_id"`
	InvoiceID string         `form:"invoice_id"`
	PatientID string         `form:"patient_id"`
	Limit     int            `form:"limit"`
	Offset    int            `form:"offset"`
}

// Matches reports whether the record satisfies every non-empty filter field
func (f WorkflowFilter) Matches(w *WorkflowRecord) bool {
	if f.Status != "" && w.Status != f.Status {
		return false
	}
	if f.DoctorID != "" && w.DoctorID != f.DoctorID {
		return false
	}
	if f.InvoiceID != "" && w.InvoiceID != f.InvoiceID {
		return false
	}
	if f.PatientID != "" && w.PatientID != f.PatientID {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered, ordered slice
func (f WorkflowFilter) Page(records []*WorkflowRecord) []*WorkflowRecord {
	if f.Offset > 0 {
		if f.Offset >= len(records) {
			return []*WorkflowRecord{}
		}
		records = records[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(records) {
		records = records[:f.Limit]
	}
	return records
}

// SortByArrival orders records by CreatedAt, then ID, in place
func SortByArrival(records []*WorkflowRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].ID < records[j].ID
	})
}
