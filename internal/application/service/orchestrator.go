package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/garyjia/clinic-workflow/internal/application/assignment"
	"github.com/garyjia/clinic-workflow/internal/application/dispatcher"
	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/application/queue"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	"github.com/garyjia/clinic-workflow/internal/domain/event"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// DefaultMaxRetries bounds how often a write is re-attempted after a version conflict
const DefaultMaxRetries = 3

// WorkflowOrchestrator is the entry point for every encounter operation.
// Each write reads the record, evaluates the transition with fresh guards
// and commits conditionally on the version it read.
type WorkflowOrchestrator interface {
	CreateOnPayment(ctx context.Context, patientID, invoiceID string, ct entity.ConsultationType, actorID string) (*entity.WorkflowRecord, error)
	RequestVitals(ctx context.Context, workflowID string) (*entity.WorkflowRecord, error)
	RecordVitals(ctx context.Context, workflowID, vitalSignsID string) (*entity.WorkflowRecord, error)
	// AssignDoctor auto-assigns when doctorID is empty
	AssignDoctor(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error)
	StartConsultation(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error)
	// CompleteConsultation checks doctorID against the assignment when it is not empty
	CompleteConsultation(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error)

	GetQueue(ctx context.Context, doctorID string) ([]*entity.WorkflowRecord, error)
	GetWorkflow(ctx context.Context, workflowID string) (*entity.WorkflowRecord, error)
	ListWorkflows(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error)
	GetHistory(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error)
}

type orchestratorImpl struct {
	store      port.WorkflowStore
	roster     port.RosterProvider
	resolver   *assignment.Resolver
	queue      *queue.Queue
	machine    domainwf.StateMachine
	dispatcher dispatcher.Dispatcher
	logger     Logger

	maxRetries           int
	emergencySkipsVitals bool
	now                  func() time.Time
	newID                func() string
}

// OrchestratorOption configures the orchestrator
type OrchestratorOption func(*orchestratorImpl)

// WithDispatcher publishes domain events after each commit
func WithDispatcher(d dispatcher.Dispatcher) OrchestratorOption {
	return func(o *orchestratorImpl) {
		o.dispatcher = d
	}
}

// WithMaxRetries sets the version-conflict retry bound
func WithMaxRetries(n int) OrchestratorOption {
	return func(o *orchestratorImpl) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithEmergencySkipsVitals lets emergency encounters become consultation-ready
// on doctor assignment without recorded vitals
func WithEmergencySkipsVitals(enabled bool) OrchestratorOption {
	return func(o *orchestratorImpl) {
		o.emergencySkipsVitals = enabled
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *orchestratorImpl) {
		o.now = now
	}
}

// WithIDGenerator overrides workflow id generation
func WithIDGenerator(newID func() string) OrchestratorOption {
	return func(o *orchestratorImpl) {
		o.newID = newID
	}
}

// NewWorkflowOrchestrator creates a new WorkflowOrchestrator
func NewWorkflowOrchestrator(
	store port.WorkflowStore,
	roster port.RosterProvider,
	logger Logger,
	opts ...OrchestratorOption,
) WorkflowOrchestrator {
	o := &orchestratorImpl{
		store:      store,
		roster:     roster,
		resolver:   assignment.NewResolver(),
		queue:      queue.New(store),
		machine:    domainwf.ConsultationMachine(),
		logger:     logger,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CreateOnPayment opens a workflow for a fully paid invoice
func (o *orchestratorImpl) CreateOnPayment(ctx context.Context, patientID, invoiceID string, ct entity.ConsultationType, actorID string) (*entity.WorkflowRecord, error) {
	patientID = strings.TrimSpace(patientID)
	invoiceID = strings.TrimSpace(invoiceID)
	if patientID == "" || invoiceID == "" {
		return nil, fmt.Errorf("patient and invoice are required: %w", domainwf.ErrInvalidInput)
	}
	if !ct.IsValid() {
		return nil, fmt.Errorf("consultation type %q: %w", ct, domainwf.ErrInvalidInput)
	}
	if actorID == "" {
		actorID = ActorFrom(ctx)
	}

	if existing, err := o.store.FindActiveByInvoice(ctx, invoiceID); err == nil {
		o.logger.Info("Active workflow already exists", "invoice_id", invoiceID, "workflow_id", existing.ID)
		return nil, fmt.Errorf("invoice %s has workflow %s: %w", invoiceID, existing.ID, domainwf.ErrDuplicateActiveWorkflow)
	} else if !errors.Is(err, domainwf.ErrWorkflowNotFound) {
		return nil, fmt.Errorf("find active workflow: %w", err)
	}

	status, err := o.machine.Next(domainwf.StateNone, domainwf.Guards{}, domainwf.TriggerPaymentCompleted)
	if err != nil {
		return nil, err
	}

	now := o.timestamp()
	rec := &entity.WorkflowRecord{
		ID:               o.newID(),
		PatientID:        patientID,
		InvoiceID:        invoiceID,
		ConsultationType: ct,
		Status:           status,
		CreatedBy:        actorID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}
	entry := newEntry(rec, domainwf.StateNone, domainwf.TriggerPaymentCompleted, actorID)

	if err := o.store.Create(ctx, rec, entry); err != nil {
		if errors.Is(err, domainwf.ErrDuplicateActiveWorkflow) {
			o.logger.Info("Duplicate payment completion absorbed", "invoice_id", invoiceID)
			return nil, err
		}
		o.logger.Error("Failed to create workflow", "error", err, "invoice_id", invoiceID)
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	o.logger.Info("Workflow created", "workflow_id", rec.ID, "invoice_id", invoiceID, "consultation_type", ct)
	o.publish(ctx, event.NewEventWithCorrelation(event.TypeWorkflowCreated, rec.ID, map[string]interface{}{
		event.KeyPatientID:        rec.PatientID,
		event.KeyInvoiceID:        rec.InvoiceID,
		event.KeyConsultationType: string(rec.ConsultationType),
		event.KeyStatus:           string(rec.Status),
		event.KeyVersion:          rec.Version,
		event.KeyActorID:          actorID,
	}, fmt.Sprintf("%s:%d", rec.ID, rec.Version)))
	return rec, nil
}

// RequestVitals sends the patient to vital-signs capture
func (o *orchestratorImpl) RequestVitals(ctx context.Context, workflowID string) (*entity.WorkflowRecord, error) {
	return o.apply(ctx, workflowID, domainwf.TriggerVitalsRequested, nil, func(ctx context.Context, rec *entity.WorkflowRecord) error {
		return o.transition(rec, domainwf.TriggerVitalsRequested, o.guards(rec, false))
	})
}

// RecordVitals attaches the vital-signs record and advances the workflow
func (o *orchestratorImpl) RecordVitals(ctx context.Context, workflowID, vitalSignsID string) (*entity.WorkflowRecord, error) {
	vitalSignsID = strings.TrimSpace(vitalSignsID)
	if vitalSignsID == "" {
		return nil, fmt.Errorf("vital signs id is required: %w", domainwf.ErrInvalidInput)
	}

	return o.apply(ctx, workflowID, domainwf.TriggerVitalsRecorded, nil, func(ctx context.Context, rec *entity.WorkflowRecord) error {
		if err := o.transition(rec, domainwf.TriggerVitalsRecorded, o.guards(rec, false)); err != nil {
			return err
		}
		rec.VitalSignsID = vitalSignsID
		return nil
	})
}

// AssignDoctor attaches a doctor, chosen by the resolver when doctorID is empty
func (o *orchestratorImpl) AssignDoctor(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error) {
	doctorID = strings.TrimSpace(doctorID)

	return o.apply(ctx, workflowID, domainwf.TriggerDoctorAssigned, doctorChanged, func(ctx context.Context, rec *entity.WorkflowRecord) error {
		// reject on state before consulting the roster
		if !o.machine.CanFire(rec.Status, domainwf.TriggerDoctorAssigned) {
			return fmt.Errorf("%s from %s: %w", domainwf.TriggerDoctorAssigned, rec.Status, domainwf.ErrInvalidTransition)
		}

		chosen, err := o.chooseDoctor(ctx, rec, doctorID)
		if err != nil {
			return err
		}

		guards := o.guards(rec, true)
		guards.DoctorPresent = true
		if err := o.transition(rec, domainwf.TriggerDoctorAssigned, guards); err != nil {
			return err
		}
		rec.DoctorID = chosen
		return nil
	})
}

// StartConsultation moves a ready encounter into consultation
func (o *orchestratorImpl) StartConsultation(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error) {
	doctorID = strings.TrimSpace(doctorID)
	if doctorID == "" {
		return nil, fmt.Errorf("doctor id is required: %w", domainwf.ErrInvalidInput)
	}

	return o.apply(ctx, workflowID, domainwf.TriggerConsultationStarted, nil, func(ctx context.Context, rec *entity.WorkflowRecord) error {
		if !o.machine.CanFire(rec.Status, domainwf.TriggerConsultationStarted) {
			return fmt.Errorf("%s from %s: %w", domainwf.TriggerConsultationStarted, rec.Status, domainwf.ErrInvalidTransition)
		}
		if rec.DoctorID != doctorID {
			return fmt.Errorf("workflow %s is assigned to %s, not %s: %w", rec.ID, rec.DoctorID, doctorID, domainwf.ErrDoctorMismatch)
		}
		return o.transition(rec, domainwf.TriggerConsultationStarted, o.guards(rec, false))
	})
}

// CompleteConsultation closes the encounter
func (o *orchestratorImpl) CompleteConsultation(ctx context.Context, workflowID, doctorID string) (*entity.WorkflowRecord, error) {
	doctorID = strings.TrimSpace(doctorID)

	return o.apply(ctx, workflowID, domainwf.TriggerConsultationCompleted, nil, func(ctx context.Context, rec *entity.WorkflowRecord) error {
		if !o.machine.CanFire(rec.Status, domainwf.TriggerConsultationCompleted) {
			return fmt.Errorf("%s from %s: %w", domainwf.TriggerConsultationCompleted, rec.Status, domainwf.ErrInvalidTransition)
		}
		if doctorID != "" && rec.DoctorID != doctorID {
			return fmt.Errorf("workflow %s is assigned to %s, not %s: %w", rec.ID, rec.DoctorID, doctorID, domainwf.ErrDoctorMismatch)
		}
		return o.transition(rec, domainwf.TriggerConsultationCompleted, o.guards(rec, false))
	})
}

// GetQueue returns the doctor's consultation queue, earliest arrival first
func (o *orchestratorImpl) GetQueue(ctx context.Context, doctorID string) ([]*entity.WorkflowRecord, error) {
	if strings.TrimSpace(doctorID) == "" {
		return nil, fmt.Errorf("doctor id is required: %w", domainwf.ErrInvalidInput)
	}
	return o.queue.For(ctx, doctorID)
}

// GetWorkflow retrieves a workflow by ID
func (o *orchestratorImpl) GetWorkflow(ctx context.Context, workflowID string) (*entity.WorkflowRecord, error) {
	rec, err := o.store.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	return rec, nil
}

// ListWorkflows lists workflows in arrival order
func (o *orchestratorImpl) ListWorkflows(ctx context.Context, filter entity.WorkflowFilter) ([]*entity.WorkflowRecord, error) {
	if filter.Status != domainwf.StateNone && !filter.Status.IsValid() {
		return nil, fmt.Errorf("status %q: %w", filter.Status, domainwf.ErrInvalidInput)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("negative paging: %w", domainwf.ErrInvalidInput)
	}
	return o.store.List(ctx, filter)
}

// GetHistory returns the audit trail of a workflow, oldest first
func (o *orchestratorImpl) GetHistory(ctx context.Context, workflowID string) ([]*entity.TransitionEntry, error) {
	entries, err := o.store.History(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	return entries, nil
}

// mutation edits a copy of the current record in place
type mutation func(ctx context.Context, rec *entity.WorkflowRecord) error

// contention reports whether a competing write between two reads claimed
// what the caller was about to write
type contention func(before, after *entity.WorkflowRecord) bool

// doctorChanged is the contention of AssignDoctor: a competing assignment
// is never silently overwritten
func doctorChanged(before, after *entity.WorkflowRecord) bool {
	return before.DoctorID != after.DoctorID
}

// apply runs read, mutate, conditional write. On a version conflict the
// record is re-read and the mutation re-evaluated against it, up to
// maxRetries times. The re-evaluation applies the same state machine rules,
// so a write that lost its precondition fails with the machine's own error.
// contested, when set, turns a competing write into ErrConcurrentModification.
func (o *orchestratorImpl) apply(ctx context.Context, workflowID string, trigger domainwf.Trigger, contested contention, mutate mutation) (*entity.WorkflowRecord, error) {
	actorID := ActorFrom(ctx)
	var observed *entity.WorkflowRecord

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := o.store.Get(ctx, workflowID)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
		}
		if observed != nil && contested != nil && contested(observed, current) {
			o.logger.Info("Workflow changed by concurrent write", "workflow_id", workflowID, "trigger", trigger)
			return nil, fmt.Errorf("workflow %s: %w", workflowID, domainwf.ErrConcurrentModification)
		}

		next := current.Clone()
		if err := mutate(ctx, next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = o.timestamp()
		entry := newEntry(next, current.Status, trigger, actorID)

		err = o.store.Update(ctx, next, current.Version, entry)
		if err == nil {
			o.logger.Info("Workflow transitioned",
				"workflow_id", next.ID,
				"trigger", trigger,
				"from", current.Status,
				"to", next.Status,
				"version", next.Version,
				"actor_id", actorID,
			)
			o.publishTransition(ctx, current, next, trigger, actorID)
			return next, nil
		}
		if !errors.Is(err, port.ErrVersionConflict) {
			o.logger.Error("Failed to update workflow", "error", err, "workflow_id", workflowID, "trigger", trigger)
			return nil, fmt.Errorf("update workflow: %w", err)
		}

		if attempt >= o.maxRetries {
			o.logger.Error("Version conflict retries exhausted", "workflow_id", workflowID, "trigger", trigger, "attempts", attempt+1)
			return nil, fmt.Errorf("workflow %s: %w", workflowID, domainwf.ErrConcurrentModification)
		}
		observed = current
	}
}

// transition sets rec.Status to the state the machine computes
func (o *orchestratorImpl) transition(rec *entity.WorkflowRecord, trigger domainwf.Trigger, guards domainwf.Guards) error {
	next, err := o.machine.Next(rec.Status, guards, trigger)
	if err != nil {
		return fmt.Errorf("workflow %s: %w", rec.ID, err)
	}
	rec.Status = next
	return nil
}

// guards reads the prerequisites from rec. forAssignment applies the
// emergency vitals policy, which only relaxes the doctor-assigned branch.
func (o *orchestratorImpl) guards(rec *entity.WorkflowRecord, forAssignment bool) domainwf.Guards {
	g := domainwf.Guards{
		DoctorPresent: rec.HasDoctor(),
		VitalsPresent: rec.HasVitals(),
	}
	if forAssignment && o.emergencySkipsVitals && rec.ConsultationType == entity.ConsultationEmergency {
		g.VitalsPresent = true
	}
	return g
}

func (o *orchestratorImpl) chooseDoctor(ctx context.Context, rec *entity.WorkflowRecord, doctorID string) (string, error) {
	roster, err := o.roster.Doctors(ctx)
	if err != nil {
		return "", fmt.Errorf("load roster: %w", err)
	}

	if doctorID != "" {
		d, err := o.resolver.Validate(doctorID, roster)
		if err != nil {
			return "", err
		}
		return d.ID, nil
	}

	load, err := o.queue.Lengths(ctx)
	if err != nil {
		return "", err
	}
	chosen, err := o.resolver.Pick(rec.ConsultationType, roster, load)
	if err != nil {
		o.logger.Info("No eligible doctor", "workflow_id", rec.ID, "consultation_type", rec.ConsultationType)
		return "", err
	}
	return chosen, nil
}

func (o *orchestratorImpl) timestamp() time.Time {
	// stores keep microsecond precision
	return o.now().UTC().Truncate(time.Microsecond)
}

func (o *orchestratorImpl) publish(ctx context.Context, evts ...*event.Event) {
	if o.dispatcher == nil || len(evts) == 0 {
		return
	}
	o.dispatcher.Publish(ctx, evts...)
}

func (o *orchestratorImpl) publishTransition(ctx context.Context, prev, next *entity.WorkflowRecord, trigger domainwf.Trigger, actorID string) {
	if o.dispatcher == nil {
		return
	}
	correlation := fmt.Sprintf("%s:%d", next.ID, next.Version)
	payload := map[string]interface{}{
		event.KeyFrom:         string(prev.Status),
		event.KeyTo:           string(next.Status),
		event.KeyTrigger:      string(trigger),
		event.KeyDoctorID:     next.DoctorID,
		event.KeyVitalSignsID: next.VitalSignsID,
		event.KeyVersion:      next.Version,
		event.KeyActorID:      actorID,
	}

	var evts []*event.Event
	if prev.Status != next.Status {
		evts = append(evts, event.NewEventWithCorrelation(event.TypeStatusChanged, next.ID, payload, correlation))
	}
	if prev.DoctorID != next.DoctorID {
		evts = append(evts, event.NewEventWithCorrelation(event.TypeDoctorAssigned, next.ID, payload, correlation))
	}
	if next.Status == domainwf.StateConsultationReady && prev.Status != domainwf.StateConsultationReady {
		evts = append(evts, event.NewEventWithCorrelation(event.TypeConsultationReady, next.ID, payload, correlation))
	}
	if next.Status == domainwf.StateCompleted && prev.Status != domainwf.StateCompleted {
		evts = append(evts, event.NewEventWithCorrelation(event.TypeWorkflowCompleted, next.ID, payload, correlation))
	}
	o.publish(ctx, evts...)
}

func newEntry(rec *entity.WorkflowRecord, from domainwf.State, trigger domainwf.Trigger, actorID string) *entity.TransitionEntry {
	return &entity.TransitionEntry{
		WorkflowID:   rec.ID,
		FromStatus:   from,
		ToStatus:     rec.Status,
		Trigger:      trigger,
		ActorID:      actorID,
		DoctorID:     rec.DoctorID,
		VitalSignsID: rec.VitalSignsID,
		Version:      rec.Version,
		Timestamp:    rec.UpdatedAt,
	}
}
