package port

import (
	"context"
	"errors"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// ErrVersionConflict is returned by WorkflowStore.Update when the stored
// version no longer matches the version the caller read.
var ErrVersionConflict = errors.New("workflow version conflict")

// WorkflowStore is durable keyed storage for workflow records.
//
// Writes are conditional: Create fails when the invoice already has an
// active workflow, and Update is a compare-and-swap on Version. Each write
// also appends its transition entry to the audit trail, all or nothing.
type WorkflowStore interface {
	// Create persists a new record. Returns domainwf.ErrDuplicateActiveWorkflow
	// if a non-completed workflow already exists for rec.InvoiceID.
	Create(ctx context.Context, rec *entity.WorkflowRecord, entry *entity.TransitionEntry) error

	// Get returns the record by ID or domainwf.ErrWorkflowNotFound.
	Get(ctx context.Context, id string) (*entity.WorkflowRecord, error)

	// FindActiveByInvoice returns the non-completed workflow for the invoice
	// or domainwf.ErrWorkflowNotFound.
	FindActiveByInvoice(ctx context.Context, invoiceID string) (*entity.WorkflowRecord, error)

	// Update replaces the record if the stored version equals expectedVersion.
	// rec.Version must already be expectedVersion+1. Returns ErrVersionConflict
	// on mismatch and domainwf.ErrWorkflowNotFound if the record is missing.
	Update(ctx context.Context, rec *entity.WorkflowRecord, expectedVersion int64, entry *entity.TransitionEntry) error

	// List returns records matching filter ordered by CreatedAt then ID ascending.
	List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error)

	// ListByDoctor returns the doctor's records whose status is in statuses,
	// ordered by CreatedAt then ID ascending.
	ListByDoctor(ctx context.Context, doctorID string, statuses []domainwf.State) ([]*entity.WorkflowRecord, error)

	// CountByDoctor returns, per doctor, the number of records whose status is in statuses.
	CountByDoctor(ctx context.Context, statuses []domainwf.State) (map[string]int, error)

	// History returns the audit trail of a workflow, oldest first.
	History(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error)
}

// RosterProvider supplies the staff roster current at call time
type RosterProvider interface {
	Doctors(ctx context.Context) ([]entity.Doctor, error)
}

// Notifier delivers out-of-band notices to clinicians
type Notifier interface {
	NotifyConsultationReady(ctx context.Context, doctor entity.Doctor, rec *entity.WorkflowRecord) error
}
