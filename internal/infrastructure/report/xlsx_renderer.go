package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

const (
	SheetEncounters = "Encounters"
	SheetSummary    = "Summary"

	// ContentTypeXLSX is the MIME type of an Office Open XML workbook
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var encounterHeader = []interface{}{
	"Workflow ID", "Patient ID", "Invoice ID", "Consultation Type", "Status",
	"Doctor ID", "Vital Signs ID", "Created By", "Created At", "Updated At", "Version",
}

// XLSXRenderer renders encounter reports as Excel workbooks
type XLSXRenderer struct {
	logger *zap.Logger
}

// NewXLSXRenderer creates a new workbook renderer
func NewXLSXRenderer(logger *zap.Logger) *XLSXRenderer {
	return &XLSXRenderer{logger: logger}
}

// ContentType returns the workbook MIME type
func (r *XLSXRenderer) ContentType() string {
	return ContentTypeXLSX
}

// Render writes one Encounters row per record plus a Summary sheet
func (r *XLSXRenderer) Render(w io.Writer, records []*entity.WorkflowRecord) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetEncounters); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if err := r.writeEncounters(f, records); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return fmt.Errorf("failed to create summary sheet: %w", err)
	}
	if err := r.writeSummary(f, records); err != nil {
		return err
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	r.logger.Info("Encounter workbook rendered", zap.Int("rows", len(records)))
	return nil
}

func (r *XLSXRenderer) writeEncounters(f *excelize.File, records []*entity.WorkflowRecord) error {
	if err := r.setRow(f, SheetEncounters, 1, encounterHeader); err != nil {
		return err
	}

	for i, rec := range records {
		row := []interface{}{
			rec.ID,
			rec.PatientID,
			rec.InvoiceID,
			rec.ConsultationType.String(),
			rec.Status.String(),
			rec.DoctorID,
			rec.VitalSignsID,
			rec.CreatedBy,
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.Version,
		}
		if err := r.setRow(f, SheetEncounters, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *XLSXRenderer) writeSummary(f *excelize.File, records []*entity.WorkflowRecord) error {
	byStatus := make(map[domainwf.State]int)
	byType := make(map[entity.ConsultationType]int)
	completedByDoctor := make(map[string]int)

	for _, rec := range records {
		byStatus[rec.Status]++
		byType[rec.ConsultationType]++
		if rec.Status == domainwf.StateCompleted && rec.HasDoctor() {
			completedByDoctor[rec.DoctorID]++
		}
	}

	rows := [][]interface{}{{"Status", "Count"}}
	for _, s := range domainwf.States() {
		rows = append(rows, []interface{}{s.String(), byStatus[s]})
	}

	rows = append(rows, nil, []interface{}{"Consultation Type", "Count"})
	for _, ct := range entity.ConsultationTypes() {
		rows = append(rows, []interface{}{ct.String(), byType[ct]})
	}

	doctors := make([]string, 0, len(completedByDoctor))
	for id := range completedByDoctor {
		doctors = append(doctors, id)
	}
	sort.Strings(doctors)

	rows = append(rows, nil, []interface{}{"Doctor ID", "Completed"})
	for _, id := range doctors {
		rows = append(rows, []interface{}{id, completedByDoctor[id]})
	}

	for i, row := range rows {
		if row == nil {
			continue
		}
		if err := r.setRow(f, SheetSummary, i+1, row); err != nil {
			return err
		}
	}
	return nil
}

func (r *XLSXRenderer) setRow(f *excelize.File, sheet string, row int, values []interface{}) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("invalid cell coordinates: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		r.logger.Warn("Failed to set row",
			zap.String("sheet", sheet),
			zap.Int("row", row),
			zap.Error(err))
		return fmt.Errorf("failed to set row %d on %s: %w", row, sheet, err)
	}
	return nil
}
