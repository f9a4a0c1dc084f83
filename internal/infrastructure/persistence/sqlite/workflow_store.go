package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/garyjia/clinic-workflow/pkg/database"
)

const workflowColumns = `id, patient_id, invoice_id, vital_signs_id, doctor_id,
	consultation_type, status, created_by, created_at, updated_at, version`

// WorkflowStore implements port.WorkflowStore on SQLite. The active-invoice
// rule is enforced by a partial unique index, and updates are conditional
// on the version column.
type WorkflowStore struct {
	db     *database.DB
	logger *zap.Logger
}

// NewWorkflowStore creates a new SQLite-backed workflow store
func NewWorkflowStore(db *database.DB, logger *zap.Logger) *WorkflowStore {
	return &WorkflowStore{
		db:     db,
		logger: logger,
	}
}

var _ port.WorkflowStore = (*WorkflowStore)(nil)

// Create inserts the record and its first history entry
func (s *WorkflowStore) Create(ctx context.Context, rec *entity.WorkflowRecord, entry *entity.TransitionEntry) error {
	return s.db.WithTx(ctx, func(txCtx context.Context) error {
		query := `INSERT INTO workflows (` + workflowColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

		_, err := s.db.Conn(txCtx).ExecContext(txCtx, query,
			rec.ID,
			rec.PatientID,
			rec.InvoiceID,
			rec.VitalSignsID,
			rec.DoctorID,
			string(rec.ConsultationType),
			string(rec.Status),
			rec.CreatedBy,
			rec.CreatedAt.UTC(),
			rec.UpdatedAt.UTC(),
			rec.Version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("invoice %s: %w", rec.InvoiceID, domainwf.ErrDuplicateActiveWorkflow)
			}
			s.logger.Error("Failed to create workflow", zap.String("id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to create workflow: %w", err)
		}

		return s.insertHistory(txCtx, entry)
	})
}

// Get retrieves a workflow by ID
func (s *WorkflowStore) Get(ctx context.Context, id string) (*entity.WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`
	return s.getOne(ctx, query, id)
}

// FindActiveByInvoice retrieves the non-completed workflow for an invoice
func (s *WorkflowStore) FindActiveByInvoice(ctx context.Context, invoiceID string) (*entity.WorkflowRecord, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE invoice_id = ? AND status != ?`
	return s.getOne(ctx, query, invoiceID, string(domainwf.StateCompleted))
}

// Update writes rec only if the stored version is expectedVersion
func (s *WorkflowStore) Update(ctx context.Context, rec *entity.WorkflowRecord, expectedVersion int64, entry *entity.TransitionEntry) error {
	return s.db.WithTx(ctx, func(txCtx context.Context) error {
		query := `
			UPDATE workflows
			SET vital_signs_id = ?, doctor_id = ?, consultation_type = ?, status = ?,
				updated_at = ?, version = ?
			WHERE id = ? AND version = ?
		`

		result, err := s.db.Conn(txCtx).ExecContext(txCtx, query,
			rec.VitalSignsID,
			rec.DoctorID,
			string(rec.ConsultationType),
			string(rec.Status),
			rec.UpdatedAt.UTC(),
			rec.Version,
			rec.ID,
			expectedVersion,
		)
		if err != nil {
			s.logger.Error("Failed to update workflow", zap.String("id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			var exists int
			err := s.db.Conn(txCtx).QueryRowContext(txCtx, `SELECT 1 FROM workflows WHERE id = ?`, rec.ID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return domainwf.ErrWorkflowNotFound
			}
			if err != nil {
				return fmt.Errorf("failed to check workflow: %w", err)
			}
			return port.ErrVersionConflict
		}

		return s.insertHistory(txCtx, entry)
	})
}

// List returns workflows matching filter in arrival order
func (s *WorkflowStore) List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DoctorID != "" {
		conds = append(conds, "doctor_id = ?")
		args = append(args, filter.DoctorID)
	}
	if filter.InvoiceID != "" {
		conds = append(conds, "invoice_id = ?")
		args = append(args, filter.InvoiceID)
	}
	if filter.PatientID != "" {
		conds = append(conds, "patient_id = ?")
		args = append(args, filter.PatientID)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	return s.queryMany(ctx, query, args...)
}

// ListByDoctor returns a doctor's workflows in the given statuses in arrival order
func (s *WorkflowStore) ListByDoctor(ctx context.Context, doctorID string, statuses []domainwf.State) ([]*entity.WorkflowRecord, error) {
	if len(statuses) == 0 {
		return []*entity.WorkflowRecord{}, nil
	}
	in, args := statusArgs(statuses)
	query := `SELECT ` + workflowColumns + ` FROM workflows
		WHERE doctor_id = ? AND status IN (` + in + `)
		ORDER BY created_at ASC, id ASC`

	return s.queryMany(ctx, query, append([]interface{}{doctorID}, args...)...)
}

// CountByDoctor counts workflows per doctor in the given statuses
func (s *WorkflowStore) CountByDoctor(ctx context.Context, statuses []domainwf.State) (map[string]int, error) {
	counts := make(map[string]int)
	if len(statuses) == 0 {
		return counts, nil
	}
	in, args := statusArgs(statuses)
	query := `SELECT doctor_id, COUNT(*) FROM workflows
		WHERE doctor_id != '' AND status IN (` + in + `)
		GROUP BY doctor_id`

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to count workflows by doctor", zap.Error(err))
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			doctorID string
			n        int
		)
		if err := rows.Scan(&doctorID, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[doctorID] = n
	}
	return counts, rows.Err()
}

// History returns the workflow's transitions oldest first
func (s *WorkflowStore) History(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error) {
	if _, err := s.Get(ctx, workflowID); err != nil {
		return nil, err
	}

	query := `
		SELECT workflow_id, from_status, to_status, trigger_name, actor_id,
			doctor_id, vital_signs_id, version, created_at
		FROM workflow_history
		WHERE workflow_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, workflowID)
	if err != nil {
		s.logger.Error("Failed to get workflow history", zap.String("workflow_id", workflowID), zap.Error(err))
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	entries := make([]*entity.TransitionEntry, 0)
	for rows.Next() {
		var (
			e                 entity.TransitionEntry
			from, to, trigger string
		)
		if err := rows.Scan(
			&e.WorkflowID,
			&from,
			&to,
			&trigger,
			&e.ActorID,
			&e.DoctorID,
			&e.VitalSignsID,
			&e.Version,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.FromStatus = domainwf.State(from)
		e.ToStatus = domainwf.State(to)
		e.Trigger = domainwf.Trigger(trigger)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *WorkflowStore) insertHistory(ctx context.Context, entry *entity.TransitionEntry) error {
	if entry == nil {
		return nil
	}
	query := `
		INSERT INTO workflow_history (
			workflow_id, from_status, to_status, trigger_name, actor_id,
			doctor_id, vital_signs_id, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Conn(ctx).ExecContext(ctx, query,
		entry.WorkflowID,
		string(entry.FromStatus),
		string(entry.ToStatus),
		string(entry.Trigger),
		entry.ActorID,
		entry.DoctorID,
		entry.VitalSignsID,
		entry.Version,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		s.logger.Error("Failed to append workflow history", zap.String("workflow_id", entry.WorkflowID), zap.Error(err))
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *WorkflowStore) getOne(ctx context.Context, query string, args ...interface{}) (*entity.WorkflowRecord, error) {
	rec, err := scanWorkflow(s.db.Conn(ctx).QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainwf.ErrWorkflowNotFound
	}
	if err != nil {
		s.logger.Error("Failed to get workflow", zap.Error(err))
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return rec, nil
}

func (s *WorkflowStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*entity.WorkflowRecord, error) {
	rows, err := s.db.Conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Failed to list workflows", zap.Error(err))
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.WorkflowRecord, 0)
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (*entity.WorkflowRecord, error) {
	var (
		rec                entity.WorkflowRecord
		ctype, status      string
		createdAt, updated time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.PatientID,
		&rec.InvoiceID,
		&rec.VitalSignsID,
		&rec.DoctorID,
		&ctype,
		&status,
		&rec.CreatedBy,
		&createdAt,
		&updated,
		&rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.ConsultationType = entity.ConsultationType(ctype)
	rec.Status = domainwf.State(status)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updated.UTC()
	return &rec, nil
}

func statusArgs(statuses []domainwf.State) (string, []interface{}) {
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(placeholders, ", "), args
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
