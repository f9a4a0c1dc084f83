package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// PaymentMessage is the billing fact published when an invoice is fully paid
type PaymentMessage struct {
	PatientID        string    `json:"patient_id"`
	InvoiceID        string    `json:"invoice_id"`
	ConsultationType string    `json:"consultation_type"`
	Status           string    `json:"status,omitempty"`
	ActorID          string    `json:"actor_id,omitempty"`
	PaidAt           time.Time `json:"paid_at,omitempty"`
}

// IsPaid reports whether the message confirms full payment. An empty status is treated as paid.
func (m PaymentMessage) IsPaid() bool {
	switch strings.ToLower(m.Status) {
	case "", "paid", "completed":
		return true
	default:
		return false
	}
}

// Decode parses a message value into a PaymentMessage
func Decode(value []byte) (PaymentMessage, entity.ConsultationType, error) {
	var msg PaymentMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, "", fmt.Errorf("failed to unmarshal payment message: %w", err)
	}
	if strings.TrimSpace(msg.InvoiceID) == "" || strings.TrimSpace(msg.PatientID) == "" {
		return msg, "", fmt.Errorf("payment message missing patient or invoice")
	}
	ct := entity.ConsultationGeneral
	if msg.ConsultationType != "" {
		parsed, err := entity.ParseConsultationType(msg.ConsultationType)
		if err != nil {
			return msg, "", err
		}
		ct = parsed
	}
	return msg, ct, nil
}

// MessageReader is the subset of *kafka.Reader used by the consumer
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// PaymentHandler opens encounters for paid invoices
type PaymentHandler interface {
	CreateOnPayment(ctx context.Context, patientID, invoiceID string, ct entity.ConsultationType, actorID string) (*entity.WorkflowRecord, error)
}

// ReaderConfig holds the broker settings for NewReader
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a consumer-group reader for the payment topic
func NewReader(cfg ReaderConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
}

// ConsumerConfig holds configuration for the payment consumer
type ConsumerConfig struct {
	RetryBackoff   time.Duration
	ProcessTimeout time.Duration
}

// DefaultConsumerConfig returns default configuration
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		RetryBackoff:   2 * time.Second,
		ProcessTimeout: 10 * time.Second,
	}
}

// Outcome is the result of handling one message
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeRetry     Outcome = "retry"
)

// Stats are the consumer counters
type Stats struct {
	Created    int
	Duplicates int
	Skipped    int
	Failed     int
}

// Consumer turns payment messages into encounter workflows.
// Messages are committed once handled; a duplicate active workflow counts as handled.
type Consumer struct {
	config  ConsumerConfig
	reader  MessageReader
	handler PaymentHandler
	logger  *zap.Logger

	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	stats     Stats
}

// NewConsumer creates a new payment consumer
func NewConsumer(config ConsumerConfig, reader MessageReader, handler PaymentHandler, logger *zap.Logger) *Consumer {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConsumerConfig().RetryBackoff
	}
	if config.ProcessTimeout <= 0 {
		config.ProcessTimeout = DefaultConsumerConfig().ProcessTimeout
	}
	return &Consumer{
		config:  config,
		reader:  reader,
		handler: handler,
		logger:  logger,
	}
}

// Name returns the worker name for identification
func (c *Consumer) Name() string {
	return "BillingConsumer"
}

// Start begins consuming in a background goroutine
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isRunning {
		return fmt.Errorf("billing consumer already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.isRunning = true

	go c.run(runCtx, c.done)

	c.logger.Info("BillingConsumer started", zap.Duration("retry_backoff", c.config.RetryBackoff))
	return nil
}

// Stop cancels the loop, waits for it to exit and closes the reader
func (c *Consumer) Stop() error {
	c.mu.Lock()
	if !c.isRunning {
		c.mu.Unlock()
		return nil
	}
	c.isRunning = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	stats := c.Stats()
	c.logger.Info("BillingConsumer stopped",
		zap.Int("created", stats.Created),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("skipped", stats.Skipped),
		zap.Int("failed", stats.Failed))

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}

// Stats returns a snapshot of the counters
func (c *Consumer) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to fetch payment message", zap.Error(err))
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		for c.Handle(ctx, msg) == OutcomeRetry {
			if !c.sleep(ctx) {
				return
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("Failed to commit payment message",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

// Handle processes one message. OutcomeRetry means the message must not be committed yet.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) Outcome {
	logger := c.logger.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	payment, ct, err := Decode(msg.Value)
	if err != nil {
		logger.Warn("Skipping malformed payment message", zap.Error(err))
		return c.record(OutcomeSkipped)
	}
	if !payment.IsPaid() {
		logger.Info("Skipping unpaid invoice", zap.String("invoice_id", payment.InvoiceID), zap.String("status", payment.Status))
		return c.record(OutcomeSkipped)
	}

	actor := payment.ActorID
	if actor == "" {
		actor = "billing"
	}

	callCtx, cancel := context.WithTimeout(service.WithActor(ctx, actor), c.config.ProcessTimeout)
	defer cancel()

	rec, err := c.handler.CreateOnPayment(callCtx, payment.PatientID, payment.InvoiceID, ct, actor)
	switch {
	case err == nil:
		logger.Info("Workflow opened from payment",
			zap.String("workflow_id", rec.ID),
			zap.String("invoice_id", rec.InvoiceID))
		return c.record(OutcomeCreated)
	case errors.Is(err, domainwf.ErrDuplicateActiveWorkflow):
		logger.Info("Invoice already has an active workflow", zap.String("invoice_id", payment.InvoiceID))
		return c.record(OutcomeDuplicate)
	case errors.Is(err, domainwf.ErrInvalidInput):
		logger.Warn("Payment rejected", zap.String("invoice_id", payment.InvoiceID), zap.Error(err))
		return c.record(OutcomeSkipped)
	default:
		logger.Error("Failed to open workflow from payment", zap.String("invoice_id", payment.InvoiceID), zap.Error(err))
		return c.record(OutcomeRetry)
	}
}

func (c *Consumer) record(o Outcome) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch o {
	case OutcomeCreated:
		c.stats.Created++
	case OutcomeDuplicate:
		c.stats.Duplicates++
	case OutcomeSkipped:
		c.stats.Skipped++
	case OutcomeRetry:
		c.stats.Failed++
	}
	return o
}

func (c *Consumer) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.config.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
