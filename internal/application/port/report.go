package port

import (
	"io"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
)

// ReportRenderer writes an encounter report for the given records
type ReportRenderer interface {
	Render(w io.Writer, records []*entity.WorkflowRecord) error
	ContentType() string
}
