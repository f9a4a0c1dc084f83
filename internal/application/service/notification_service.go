package service

import (
	"context"
	"fmt"

	"github.com/garyjia/clinic-workflow/internal/application/dispatcher"
	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	"github.com/garyjia/clinic-workflow/internal/domain/event"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
)

// NotificationService tells doctors about encounters waiting for them
type NotificationService interface {
	NotifyConsultationReady(ctx context.Context, workflowID string) error
	// Register subscribes the service to the events it reacts to
	Register(d dispatcher.Dispatcher)
}

type notificationServiceImpl struct {
	store    port.WorkflowStore
	roster   port.RosterProvider
	notifier port.Notifier
	logger   Logger
}

// NewNotificationService creates a new NotificationService
func NewNotificationService(
	store port.WorkflowStore,
	roster port.RosterProvider,
	notifier port.Notifier,
	logger Logger,
) NotificationService {
	return &notificationServiceImpl{
		store:    store,
		roster:   roster,
		notifier: notifier,
		logger:   logger,
	}
}

// Register subscribes to consultation-ready events
func (s *notificationServiceImpl) Register(d dispatcher.Dispatcher) {
	d.SubscribeNamed(event.TypeConsultationReady, "doctor-notifier", func(ctx context.Context, evt *event.Event) error {
		return s.notify(ctx, evt.WorkflowID, evt.String(event.KeyDoctorID))
	})
}

// NotifyConsultationReady messages the assigned doctor. Stale events for
// encounters that have already moved on are skipped.
func (s *notificationServiceImpl) NotifyConsultationReady(ctx context.Context, workflowID string) error {
	return s.notify(ctx, workflowID, "")
}

// notify skips the message when expectedDoctor is set and no longer matches
// the record.
func (s *notificationServiceImpl) notify(ctx context.Context, workflowID, expectedDoctor string) error {
	rec, err := s.store.Get(ctx, workflowID)
	if err != nil {
		s.logger.Error("Failed to get workflow", "error", err, "workflow_id", workflowID)
		return fmt.Errorf("get workflow: %w", err)
	}
	if rec.Status != domainwf.StateConsultationReady || !rec.HasDoctor() {
		s.logger.Info("Skipping notification, workflow moved on", "workflow_id", workflowID, "status", rec.Status)
		return nil
	}
	if expectedDoctor != "" && rec.DoctorID != expectedDoctor {
		s.logger.Info("Skipping notification, doctor changed", "workflow_id", workflowID, "doctor_id", rec.DoctorID, "event_doctor_id", expectedDoctor)
		return nil
	}

	doctors, err := s.roster.Doctors(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}

	var doctor *entity.Doctor
	for i := range doctors {
		if doctors[i].ID == rec.DoctorID {
			doctor = &doctors[i]
			break
		}
	}
	if doctor == nil {
		s.logger.Info("Assigned doctor not on roster, skipping notification", "workflow_id", workflowID, "doctor_id", rec.DoctorID)
		return nil
	}

	if err := s.notifier.NotifyConsultationReady(ctx, *doctor, rec); err != nil {
		s.logger.Error("Failed to notify doctor", "error", err, "workflow_id", workflowID, "doctor_id", doctor.ID)
		return fmt.Errorf("notify doctor: %w", err)
	}

	s.logger.Info("Doctor notified", "workflow_id", workflowID, "doctor_id", doctor.ID)
	return nil
}
