package http

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/garyjia/clinic-workflow/pkg/utils"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	orchestrator service.WorkflowOrchestrator
	reports      service.ReportService
	readiness    ReadinessChecker
	logger       Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	orchestrator service.WorkflowOrchestrator,
	reports service.ReportService,
	readiness ReadinessChecker,
	logger Logger,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		reports:      reports,
		readiness:    readiness,
		logger:       logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// CreateWorkflowRequest is the body of POST /api/v1/workflows
type CreateWorkflowRequest struct {
	PatientID        string `json:"patient_id"`
	InvoiceID        string `json:"invoice_id"`
	ConsultationType string `json:"consultation_type"`
	ActorID          string `json:"actor_id"`
}

// RecordVitalsRequest is the body of POST /api/v1/workflows/:id/vitals
type RecordVitalsRequest struct {
	VitalSignsID string `json:"vital_signs_id"`
}

// WorkflowView is a workflow record plus the triggers its state accepts.
// Guards may still reject an allowed trigger.
type WorkflowView struct {
	*entity.WorkflowRecord
	AllowedTriggers []domainwf.Trigger `json:"allowed_triggers"`
}

// DoctorRequest carries an optional or required doctor id
type DoctorRequest struct {
	DoctorID string `json:"doctor_id"`
}

// errorKinds maps domain errors to status codes and stable codes, first match wins
var errorKinds = []struct {
	err    error
	status int
	code   string
}{
	{domainwf.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{domainwf.ErrWorkflowNotFound, http.StatusNotFound, "not_found"},
	{domainwf.ErrDuplicateActiveWorkflow, http.StatusConflict, "duplicate_active_workflow"},
	{domainwf.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{domainwf.ErrAlreadyRecorded, http.StatusConflict, "already_recorded"},
	{domainwf.ErrInvalidTransition, http.StatusUnprocessableEntity, "invalid_transition"},
	{domainwf.ErrDoctorInactive, http.StatusUnprocessableEntity, "doctor_inactive"},
	{domainwf.ErrNoEligibleDoctor, http.StatusUnprocessableEntity, "no_eligible_doctor"},
	{domainwf.ErrDoctorMismatch, http.StatusForbidden, "doctor_mismatch"},
}

func (h *Handlers) fail(c *gin.Context, op string, err error) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			c.JSON(k.status, Response{Success: false, Error: err.Error(), Code: k.code})
			return
		}
	}

	h.logger.Error("Request failed", "operation", op, "error", err)
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error:   "internal error",
		Code:    "internal_error",
	})
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg, Code: "invalid_input"})
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Response{Success: true, Data: data})
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.readiness != nil && !h.readiness.Ready() {
		resp.Status = "starting"
		c.JSON(http.StatusServiceUnavailable, Response{Success: false, Data: resp})
		return
	}
	ok(c, http.StatusOK, resp)
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(c *gin.Context) {
	var req CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}

	req.PatientID = utils.SanitizeString(req.PatientID)
	req.InvoiceID = utils.SanitizeString(req.InvoiceID)
	if err := utils.ValidateIdentifier("patient_id", req.PatientID); err != nil {
		h.badRequest(c, err.Error())
		return
	}
	if err := utils.ValidateIdentifier("invoice_id", req.InvoiceID); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	ct := entity.ConsultationGeneral
	if req.ConsultationType != "" {
		parsed, err := entity.ParseConsultationType(req.ConsultationType)
		if err != nil {
			h.badRequest(c, err.Error())
			return
		}
		ct = parsed
	}

	rec, err := h.orchestrator.CreateOnPayment(c.Request.Context(), req.PatientID, req.InvoiceID, ct, utils.SanitizeString(req.ActorID))
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	ok(c, http.StatusCreated, rec)
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(c *gin.Context) {
	filter, valid := h.bindFilter(c)
	if !valid {
		return
	}

	records, err := h.orchestrator.ListWorkflows(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "list", err)
		return
	}
	if records == nil {
		records = []*entity.WorkflowRecord{}
	}
	ok(c, http.StatusOK, records)
}

func (h *Handlers) bindFilter(c *gin.Context) (entity.WorkflowFilter, bool) {
	var filter entity.WorkflowFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.badRequest(c, "invalid query parameters")
		return filter, false
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		h.badRequest(c, "unknown status: "+filter.Status.String())
		return filter, false
	}
	if filter.Limit <= 0 || filter.Limit > maxListLimit {
		filter.Limit = defaultListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return filter, true
}

// GetWorkflow handles GET /api/v1/workflows/:id
func (h *Handlers) GetWorkflow(c *gin.Context) {
	rec, err := h.orchestrator.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	ok(c, http.StatusOK, WorkflowView{
		WorkflowRecord:  rec,
		AllowedTriggers: domainwf.ConsultationMachine().PermittedTriggers(rec.Status),
	})
}

// GetHistory handles GET /api/v1/workflows/:id/history
func (h *Handlers) GetHistory(c *gin.Context) {
	entries, err := h.orchestrator.GetHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "history", err)
		return
	}
	if entries == nil {
		entries = []*entity.TransitionEntry{}
	}
	ok(c, http.StatusOK, entries)
}

// RequestVitals handles POST /api/v1/workflows/:id/vitals-request
func (h *Handlers) RequestVitals(c *gin.Context) {
	rec, err := h.orchestrator.RequestVitals(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "request_vitals", err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// RecordVitals handles POST /api/v1/workflows/:id/vitals
func (h *Handlers) RecordVitals(c *gin.Context) {
	var req RecordVitalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body")
		return
	}
	req.VitalSignsID = utils.SanitizeString(req.VitalSignsID)
	if err := utils.ValidateIdentifier("vital_signs_id", req.VitalSignsID); err != nil {
		h.badRequest(c, err.Error())
		return
	}

	rec, err := h.orchestrator.RecordVitals(c.Request.Context(), c.Param("id"), req.VitalSignsID)
	if err != nil {
		h.fail(c, "record_vitals", err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// bindDoctor reads an optional JSON body with a doctor id
func (h *Handlers) bindDoctor(c *gin.Context, required bool) (string, bool) {
	var req DoctorRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, "invalid request body")
			return "", false
		}
	}
	req.DoctorID = utils.SanitizeString(req.DoctorID)

	validate := utils.ValidateOptionalIdentifier
	if required {
		validate = utils.ValidateIdentifier
	}
	if err := validate("doctor_id", req.DoctorID); err != nil {
		h.badRequest(c, err.Error())
		return "", false
	}
	return req.DoctorID, true
}

// AssignDoctor handles POST /api/v1/workflows/:id/assignment. An empty doctor_id auto-assigns.
func (h *Handlers) AssignDoctor(c *gin.Context) {
	doctorID, valid := h.bindDoctor(c, false)
	if !valid {
		return
	}

	rec, err := h.orchestrator.AssignDoctor(c.Request.Context(), c.Param("id"), doctorID)
	if err != nil {
		h.fail(c, "assign", err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// StartConsultation handles POST /api/v1/workflows/:id/start
func (h *Handlers) StartConsultation(c *gin.Context) {
	doctorID, valid := h.bindDoctor(c, true)
	if !valid {
		return
	}

	rec, err := h.orchestrator.StartConsultation(c.Request.Context(), c.Param("id"), doctorID)
	if err != nil {
		h.fail(c, "start", err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// CompleteConsultation handles POST /api/v1/workflows/:id/complete
func (h *Handlers) CompleteConsultation(c *gin.Context) {
	doctorID, valid := h.bindDoctor(c, false)
	if !valid {
		return
	}

	rec, err := h.orchestrator.CompleteConsultation(c.Request.Context(), c.Param("id"), doctorID)
	if err != nil {
		h.fail(c, "complete", err)
		return
	}
	ok(c, http.StatusOK, rec)
}

// GetQueue handles GET /api/v1/doctors/:id/queue
func (h *Handlers) GetQueue(c *gin.Context) {
	records, err := h.orchestrator.GetQueue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "queue", err)
		return
	}
	if records == nil {
		records = []*entity.WorkflowRecord{}
	}
	ok(c, http.StatusOK, records)
}

// ExportReport handles GET /api/v1/reports/encounters.xlsx
func (h *Handlers) ExportReport(c *gin.Context) {
	filter, valid := h.bindFilter(c)
	if !valid {
		return
	}
	// the report covers every match unless a limit is given explicitly
	if c.Query("limit") == "" {
		filter.Limit = 0
	}

	var buf bytes.Buffer
	if err := h.reports.ExportReport(c.Request.Context(), filter, &buf); err != nil {
		h.fail(c, "report", err)
		return
	}

	filename := "encounters-" + time.Now().UTC().Format("20060102-150405") + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, h.reports.ContentType(), buf.Bytes())
}
