package lark

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
)

// MessageSender is the subset of Client the messenger needs
type MessageSender interface {
	SendMessage(ctx context.Context, receiveIDType, receiveID, msgType, content string) (string, error)
}

// Messenger implements port.Notifier over Lark IM
type Messenger struct {
	sender MessageSender
	logger *zap.Logger
}

var _ port.Notifier = (*Messenger)(nil)

// NewMessenger creates a new Lark notifier
func NewMessenger(sender MessageSender, logger *zap.Logger) *Messenger {
	return &Messenger{
		sender: sender,
		logger: logger,
	}
}

// NotifyConsultationReady sends the doctor an interactive card for the encounter.
// Doctors without a Lark open id are skipped.
func (m *Messenger) NotifyConsultationReady(ctx context.Context, doctor entity.Doctor, rec *entity.WorkflowRecord) error {
	if doctor.LarkOpenID == "" {
		m.logger.Debug("Doctor has no Lark open id, skipping",
			zap.String("doctor_id", doctor.ID),
			zap.String("workflow_id", rec.ID))
		return nil
	}

	card, err := json.Marshal(consultationReadyCard(doctor, rec))
	if err != nil {
		return fmt.Errorf("failed to marshal card content: %w", err)
	}

	messageID, err := m.sender.SendMessage(ctx, "open_id", doctor.LarkOpenID, "interactive", string(card))
	if err != nil {
		return fmt.Errorf("failed to send card message: %w", err)
	}

	m.logger.Info("Consultation-ready card sent",
		zap.String("message_id", messageID),
		zap.String("doctor_id", doctor.ID),
		zap.String("workflow_id", rec.ID))
	return nil
}

// SendText sends a plain text message to an open id
func (m *Messenger) SendText(ctx context.Context, openID, content string) error {
	if openID == "" {
		return fmt.Errorf("openID cannot be empty")
	}
	if content == "" {
		return fmt.Errorf("content cannot be empty")
	}

	body, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return err
	}
	if _, err := m.sender.SendMessage(ctx, "open_id", openID, "text", string(body)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func consultationReadyCard(doctor entity.Doctor, rec *entity.WorkflowRecord) map[string]interface{} {
	name := doctor.Name
	if name == "" {
		name = doctor.ID
	}
	lines := fmt.Sprintf("**Patient:** %s\n**Consultation:** %s\n**Invoice:** %s\n**Waiting since:** %s",
		rec.PatientID,
		rec.ConsultationType,
		rec.InvoiceID,
		rec.CreatedAt.Format("2006-01-02 15:04"),
	)

	return map[string]interface{}{
		"config": map[string]interface{}{"wide_screen_mode": true},
		"header": map[string]interface{}{
			"template": "blue",
			"title": map[string]interface{}{
				"tag":     "plain_text",
				"content": fmt.Sprintf("Patient ready for %s", name),
			},
		},
		"elements": []interface{}{
			map[string]interface{}{
				"tag":  "div",
				"text": map[string]interface{}{"tag": "lark_md", "content": lines},
			},
			map[string]interface{}{
				"tag": "note",
				"elements": []interface{}{
					map[string]interface{}{"tag": "plain_text", "content": "Workflow " + rec.ID},
				},
			},
		},
	}
}
