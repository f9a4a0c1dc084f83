// Package postgres provides a WorkflowStore backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

const uniqueViolation = "23505"

const workflowColumns = `id, patient_id, invoice_id, vital_signs_id, doctor_id,
	consultation_type, status, created_by, created_at, updated_at, version`

// WorkflowStore is a port.WorkflowStore backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx driver:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type WorkflowStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ port.WorkflowStore = (*WorkflowStore)(nil)

// NewWorkflowStore creates the schema if needed and returns the store
func NewWorkflowStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*WorkflowStore, error) {
	s := &WorkflowStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to init postgres schema: %w", err)
	}
	return s, nil
}

func (s *WorkflowStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			patient_id TEXT NOT NULL,
			invoice_id TEXT NOT NULL,
			vital_signs_id TEXT NOT NULL DEFAULT '',
			doctor_id TEXT NOT NULL DEFAULT '',
			consultation_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_active_invoice
			ON workflows(invoice_id) WHERE status <> 'completed';
		CREATE INDEX IF NOT EXISTS idx_workflows_doctor_status ON workflows(doctor_id, status);
		CREATE INDEX IF NOT EXISTS idx_workflows_created ON workflows(created_at, id);

		CREATE TABLE IF NOT EXISTS workflow_history (
			id BIGSERIAL PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflows(id),
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			trigger_name TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			doctor_id TEXT NOT NULL DEFAULT '',
			vital_signs_id TEXT NOT NULL DEFAULT '',
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_history_workflow ON workflow_history(workflow_id, id);
	`)
	return err
}

func (s *WorkflowStore) Create(ctx context.Context, rec *entity.WorkflowRecord, entry *entity.TransitionEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (`+workflowColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			rec.ID,
			rec.PatientID,
			rec.InvoiceID,
			rec.VitalSignsID,
			rec.DoctorID,
			string(rec.ConsultationType),
			string(rec.Status),
			rec.CreatedBy,
			rec.CreatedAt,
			rec.UpdatedAt,
			rec.Version,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == "idx_workflows_active_invoice" {
				return fmt.Errorf("invoice %s: %w", rec.InvoiceID, domainwf.ErrDuplicateActiveWorkflow)
			}
			s.logger.Error("Failed to create workflow", zap.String("id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return insertHistory(ctx, tx, entry)
	})
}

func (s *WorkflowStore) Get(ctx context.Context, id string) (*entity.WorkflowRecord, error) {
	return s.getOne(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
}

func (s *WorkflowStore) FindActiveByInvoice(ctx context.Context, invoiceID string) (*entity.WorkflowRecord, error) {
	return s.getOne(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE invoice_id = $1 AND status <> $2`,
		invoiceID, string(domainwf.StateCompleted))
}

func (s *WorkflowStore) Update(ctx context.Context, rec *entity.WorkflowRecord, expectedVersion int64, entry *entity.TransitionEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflows
			SET vital_signs_id    = $1,
			    doctor_id         = $2,
			    consultation_type = $3,
			    status            = $4,
			    updated_at        = $5,
			    version           = $6
			WHERE id = $7 AND version = $8
		`,
			rec.VitalSignsID,
			rec.DoctorID,
			string(rec.ConsultationType),
			string(rec.Status),
			rec.UpdatedAt,
			rec.Version,
			rec.ID,
			expectedVersion,
		)
		if err != nil {
			s.logger.Error("Failed to update workflow", zap.String("id", rec.ID), zap.Error(err))
			return fmt.Errorf("failed to update workflow: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check workflow: %w", err)
			}
			if !exists {
				return domainwf.ErrWorkflowNotFound
			}
			return port.ErrVersionConflict
		}
		return insertHistory(ctx, tx, entry)
	})
}

func (s *WorkflowStore) List(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.DoctorID != "" {
		add("doctor_id = $%d", filter.DoctorID)
	}
	if filter.InvoiceID != "" {
		add("invoice_id = $%d", filter.InvoiceID)
	}
	if filter.PatientID != "" {
		add("patient_id = $%d", filter.PatientID)
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	return s.queryMany(ctx, query, args...)
}

func (s *WorkflowStore) ListByDoctor(ctx context.Context, doctorID string, statuses []domainwf.State) ([]*entity.WorkflowRecord, error) {
	if len(statuses) == 0 {
		return []*entity.WorkflowRecord{}, nil
	}
	return s.queryMany(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE doctor_id = $1 AND status = ANY($2)
		ORDER BY created_at ASC, id ASC
	`, doctorID, stateNames(statuses))
}

func (s *WorkflowStore) CountByDoctor(ctx context.Context, statuses []domainwf.State) (map[string]int, error) {
	counts := make(map[string]int)
	if len(statuses) == 0 {
		return counts, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doctor_id, COUNT(*) FROM workflows
		WHERE doctor_id <> '' AND status = ANY($1)
		GROUP BY doctor_id
	`, stateNames(statuses))
	if err != nil {
		return nil, fmt.Errorf("failed to count workflows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			doctorID string
			n        int
		)
		if err := rows.Scan(&doctorID, &n); err != nil {
			return nil, err
		}
		counts[doctorID] = n
	}
	return counts, rows.Err()
}

func (s *WorkflowStore) History(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error) {
	if _, err := s.Get(ctx, workflowID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, from_status, to_status, trigger_name, actor_id,
		       doctor_id, vital_signs_id, version, created_at
		FROM workflow_history
		WHERE workflow_id = $1
		ORDER BY id ASC
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	entries := make([]*entity.TransitionEntry, 0)
	for rows.Next() {
		var (
			e                 entity.TransitionEntry
			from, to, trigger string
		)
		if err := rows.Scan(&e.WorkflowID, &from, &to, &trigger, &e.ActorID,
			&e.DoctorID, &e.VitalSignsID, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		e.FromStatus = domainwf.State(from)
		e.ToStatus = domainwf.State(to)
		e.Trigger = domainwf.Trigger(trigger)
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *WorkflowStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *WorkflowStore) getOne(ctx context.Context, query string, args ...interface{}) (*entity.WorkflowRecord, error) {
	rec, err := scanWorkflow(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainwf.ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return rec, nil
}

func (s *WorkflowStore) queryMany(ctx context.Context, query string, args ...interface{}) ([]*entity.WorkflowRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	records := make([]*entity.WorkflowRecord, 0)
	for rows.Next() {
		rec, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry *entity.TransitionEntry) error {
	if entry == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_history (
			workflow_id, from_status, to_status, trigger_name, actor_id,
			doctor_id, vital_signs_id, version, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		entry.WorkflowID,
		string(entry.FromStatus),
		string(entry.ToStatus),
		string(entry.Trigger),
		entry.ActorID,
		entry.DoctorID,
		entry.VitalSignsID,
		entry.Version,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
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
	if err := row.Scan(&rec.ID, &rec.PatientID, &rec.InvoiceID, &rec.VitalSignsID, &rec.DoctorID,
		&ctype, &status, &rec.CreatedBy, &createdAt, &updated, &rec.Version); err != nil {
		return nil, err
	}
	rec.ConsultationType = entity.ConsultationType(ctype)
	rec.Status = domainwf.State(status)
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updated.UTC()
	return &rec, nil
}

func stateNames(states []domainwf.State) []string {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return names
}
