package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	domainwf "github.com/garyjia/clinic-workflow/internal/domain/workflow"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/memory"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/roster"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.msgs:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commitCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

type fakeHandler struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	actor    string
}

func (h *fakeHandler) CreateOnPayment(ctx context.Context, patientID, invoiceID string, ct entity.ConsultationType, actorID string) (*entity.WorkflowRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.actor = service.ActorFrom(ctx)
	if h.failures > 0 {
		h.failures--
		return nil, errors.New("store unavailable")
	}
	if h.err != nil {
		return nil, h.err
	}
	return &entity.WorkflowRecord{ID: "wf-1", PatientID: patientID, InvoiceID: invoiceID, ConsultationType: ct}, nil
}

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func message(offset int64, value string) kafka.Message {
	return kafka.Message{Topic: "payments", Offset: offset, Value: []byte(value)}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantCT  entity.ConsultationType
		wantErr bool
	}{
		{"full message", `{"patient_id":"p-1","invoice_id":"inv-1","consultation_type":"specialist"}`, entity.ConsultationSpecialist, false},
		{"default type", `{"patient_id":"p-1","invoice_id":"inv-1"}`, entity.ConsultationGeneral, false},
		{"follow-up alias", `{"patient_id":"p-1","invoice_id":"inv-1","consultation_type":"Follow-Up"}`, entity.ConsultationFollowUp, false},
		{"unknown type", `{"patient_id":"p-1","invoice_id":"inv-1","consultation_type":"surgery"}`, "", true},
		{"missing invoice", `{"patient_id":"p-1"}`, "", true},
		{"not json", `paid`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ct, err := Decode([]byte(tt.value))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCT, ct)
		})
	}
}

func TestPaymentMessage_IsPaid(t *testing.T) {
	assert.True(t, PaymentMessage{}.IsPaid())
	assert.True(t, PaymentMessage{Status: "PAID"}.IsPaid())
	assert.False(t, PaymentMessage{Status: "partial"}.IsPaid())
}

func TestConsumer_HandleOutcomes(t *testing.T) {
	valid := `{"patient_id":"p-1","invoice_id":"inv-1","consultation_type":"general","actor_id":"cashier-1"}`

	tests := []struct {
		name    string
		value   string
		err     error
		want    Outcome
		handled bool
	}{
		{"created", valid, nil, OutcomeCreated, true},
		{"duplicate is acknowledged", valid, domainwf.ErrDuplicateActiveWorkflow, OutcomeDuplicate, true},
		{"invalid input is dropped", valid, domainwf.ErrInvalidInput, OutcomeSkipped, true},
		{"transient error retries", valid, errors.New("boom"), OutcomeRetry, true},
		{"malformed skipped", `{`, nil, OutcomeSkipped, false},
		{"unpaid skipped", `{"patient_id":"p-1","invoice_id":"inv-1","status":"pending"}`, nil, OutcomeSkipped, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &fakeHandler{err: tt.err}
			c := NewConsumer(DefaultConsumerConfig(), newFakeReader(), h, zap.NewNop())

			got := c.Handle(context.Background(), message(1, tt.value))
			assert.Equal(t, tt.want, got)
			if tt.handled {
				assert.Equal(t, 1, h.calls)
				assert.Equal(t, "cashier-1", h.actor)
			} else {
				assert.Equal(t, 0, h.calls)
			}
		})
	}
}

func TestConsumer_RunCommitsAfterRetry(t *testing.T) {
	reader := newFakeReader(
		message(1, `{"patient_id":"p-1","invoice_id":"inv-1"}`),
		message(2, `garbage`),
	)
	h := &fakeHandler{failures: 2}
	c := NewConsumer(ConsumerConfig{RetryBackoff: time.Millisecond}, reader, h, zap.NewNop())

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, 3, h.calls)
	assert.True(t, reader.closed)
	assert.Equal(t, "BillingConsumer", c.Name())
}

func TestConsumer_RedeliveryIsIdempotent(t *testing.T) {
	store := memory.NewStore()
	staff := roster.Static{{ID: "doc-1", IsActive: true}}
	orch := service.NewWorkflowOrchestrator(store, staff, nopLogger{})

	payment := `{"patient_id":"p-1","invoice_id":"inv-42","consultation_type":"general"}`
	reader := newFakeReader(message(1, payment), message(2, payment))
	c := NewConsumer(ConsumerConfig{RetryBackoff: time.Millisecond}, reader, orch, zap.NewNop())

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return reader.commitCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 1, stats.Duplicates)

	records, err := orch.ListWorkflows(context.Background(), entity.WorkflowFilter{InvoiceID: "inv-42"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domainwf.StatePaymentCompleted, records[0].Status)
	assert.Equal(t, "billing", records[0].CreatedBy)
}
