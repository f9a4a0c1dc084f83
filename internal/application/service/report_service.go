package service

import (
	"context"
	"fmt"
	"io"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
)

// ReportService renders encounter reports
type ReportService interface {
	ExportReport(ctx context.Context, filter entity.WorkflowFilter, w io.Writer) error
	ContentType() string
}

type reportServiceImpl struct {
	store    port.WorkflowStore
	renderer port.ReportRenderer
	logger   Logger
}

// NewReportService creates a new ReportService
func NewReportService(store port.WorkflowStore, renderer port.ReportRenderer, logger Logger) ReportService {
	return &reportServiceImpl{
		store:    store,
		renderer: renderer,
		logger:   logger,
	}
}

// ExportReport writes the workflows matching filter to w
func (s *reportServiceImpl) ExportReport(ctx context.Context, filter entity.WorkflowFilter, w io.Writer) error {
	records, err := s.store.List(ctx, filter)
	if err != nil {
		s.logger.Error("Failed to list workflows for report", "error", err)
		return fmt.Errorf("list workflows: %w", err)
	}

	if err := s.renderer.Render(w, records); err != nil {
		s.logger.Error("Failed to render report", "error", err, "rows", len(records))
		return fmt.Errorf("render report: %w", err)
	}

	s.logger.Info("Encounter report exported", "rows", len(records))
	return nil
}

// ContentType is the MIME type of the rendered report
func (s *reportServiceImpl) ContentType() string {
	return s.renderer.ContentType()
}
