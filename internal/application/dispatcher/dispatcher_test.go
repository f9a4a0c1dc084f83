package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/clinic-workflow/internal/domain/event"
)

// mockLogger implements Logger for testing
type mockLogger struct {
	mu     sync.Mutex
	infos  []string
	errors []string
}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos = append(m.infos, msg)
}

func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, msg)
}

func (m *mockLogger) ErrorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.errors)
}

func (m *mockLogger) HasInfo(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, info := range m.infos {
		if info == msg {
			return true
		}
	}
	return false
}

func newEvent() *event.Event {
	return event.NewEvent(event.TypeConsultationReady, "wf-123", map[string]interface{}{"doctor_id": "d1"})
}

func noop(ctx context.Context, evt *event.Event) error { return nil }

func TestSubscribe(t *testing.T) {
	t.Run("auto-generated names", func(t *testing.T) {
		d := NewDispatcher()
		d.Subscribe(event.TypeWorkflowCreated, noop)
		d.Subscribe(event.TypeWorkflowCreated, noop)

		handlers := d.ListHandlers(event.TypeWorkflowCreated)
		require.Len(t, handlers, 2)
		assert.Equal(t, "handler-0", handlers[0].Name)
		assert.Equal(t, "handler-1", handlers[1].Name)
	})

	t.Run("named handlers are listed per type", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		d.SubscribeNamed(event.TypeConsultationReady, "lark-notifier", noop)
		d.SubscribeNamed(event.TypeWorkflowCompleted, "audit", noop)

		handlers := d.ListHandlers(event.TypeConsultationReady)
		require.Len(t, handlers, 1)
		assert.Equal(t, "lark-notifier", handlers[0].Name)
		assert.Equal(t, event.TypeConsultationReady, handlers[0].EventType)
		assert.False(t, handlers[0].RegisteredAt.IsZero())
		assert.True(t, logger.HasInfo("Handler registered"))
	})

	t.Run("same name replaces handler in place", func(t *testing.T) {
		d := NewDispatcher()
		var calls []string
		d.SubscribeNamed(event.TypeConsultationReady, "lark", func(ctx context.Context, evt *event.Event) error {
			calls = append(calls, "old")
			return nil
		})
		d.SubscribeNamed(event.TypeConsultationReady, "audit", func(ctx context.Context, evt *event.Event) error {
			calls = append(calls, "audit")
			return nil
		})
		d.SubscribeNamed(event.TypeConsultationReady, "lark", func(ctx context.Context, evt *event.Event) error {
			calls = append(calls, "new")
			return nil
		})

		require.Len(t, d.ListHandlers(event.TypeConsultationReady), 2)
		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.Equal(t, []string{"new", "audit"}, calls)
	})

	t.Run("generated names stay unique after replacement", func(t *testing.T) {
		d := NewDispatcher()
		d.Subscribe(event.TypeWorkflowCreated, noop)
		d.SubscribeNamed(event.TypeWorkflowCreated, "handler-1", noop)
		d.Subscribe(event.TypeWorkflowCreated, noop)

		handlers := d.ListHandlers(event.TypeWorkflowCreated)
		require.Len(t, handlers, 3)
		assert.Equal(t, "handler-0", handlers[0].Name)
		assert.Equal(t, "handler-1", handlers[1].Name)
		assert.Equal(t, "handler-2", handlers[2].Name)
	})
}

func TestClose(t *testing.T) {
	t.Run("runs handlers in subscription order", func(t *testing.T) {
		d := NewDispatcher()
		var order []int
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			order = append(order, 1)
			return nil
		})
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			order = append(order, 2)
			return nil
		})

		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("a failing handler does not stop the next", func(t *testing.T) {
		d := NewDispatcher()
		var called atomic.Bool
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			return errors.New("handler error")
		})
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			called.Store(true)
			return nil
		})

		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.True(t, called.Load())
		assert.Equal(t, int64(1), d.Stats().Failed)
		assert.Equal(t, int64(1), d.Stats().Delivered)
	})

	t.Run("no handlers is not an error", func(t *testing.T) {
		d := NewDispatcher()
		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.Equal(t, int64(1), d.Stats().Published)
		assert.Zero(t, d.Stats().Delivered)
	})

	t.Run("second close is rejected", func(t *testing.T) {
		d := NewDispatcher()
		require.NoError(t, d.Close())
		assert.ErrorIs(t, d.Close(), ErrClosed)
	})
}

func TestPublish(t *testing.T) {
	t.Run("close waits for handlers", func(t *testing.T) {
		d := NewDispatcher()
		var called atomic.Int32
		for i := 0; i < 3; i++ {
			d.Subscribe(event.TypeWorkflowCompleted, func(ctx context.Context, evt *event.Event) error {
				time.Sleep(10 * time.Millisecond)
				called.Add(1)
				return nil
			})
		}

		d.Publish(context.Background(), event.NewEvent(event.TypeWorkflowCompleted, "wf-1", nil))
		require.NoError(t, d.Close())
		assert.Equal(t, int32(3), called.Load())
	})

	t.Run("handlers survive caller cancellation", func(t *testing.T) {
		d := NewDispatcher()
		type key struct{}
		var (
			gotErr   error
			gotValue interface{}
		)
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			time.Sleep(10 * time.Millisecond)
			gotErr = ctx.Err()
			gotValue = ctx.Value(key{})
			return nil
		})

		ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "actor-7"))
		d.Publish(ctx, newEvent())
		cancel()
		require.NoError(t, d.Close())

		assert.NoError(t, gotErr)
		assert.Equal(t, "actor-7", gotValue)
	})

	t.Run("async timeout bounds handlers", func(t *testing.T) {
		d := NewDispatcher(WithAsyncTimeout(20 * time.Millisecond))
		var gotErr error
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			<-ctx.Done()
			gotErr = ctx.Err()
			return gotErr
		})

		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.ErrorIs(t, gotErr, context.DeadlineExceeded)
	})

	t.Run("errors and panics are logged", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			return errors.New("lark unavailable")
		})
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			panic("boom")
		})

		d.Publish(context.Background(), newEvent())
		require.NoError(t, d.Close())
		assert.Equal(t, 2, logger.ErrorCount())

		stats := d.Stats()
		assert.Equal(t, int64(1), stats.Published)
		assert.Equal(t, int64(2), stats.Failed)
		assert.Equal(t, int64(1), stats.Panics)
		assert.Zero(t, stats.Delivered)
	})

	t.Run("batch is delivered in order", func(t *testing.T) {
		d := NewDispatcher()
		var (
			mu  sync.Mutex
			got []event.Type
		)
		record := func(ctx context.Context, evt *event.Event) error {
			time.Sleep(time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			got = append(got, evt.Type)
			return nil
		}
		for _, typ := range []event.Type{event.TypeStatusChanged, event.TypeDoctorAssigned, event.TypeConsultationReady} {
			d.Subscribe(typ, record)
		}

		d.Publish(context.Background(),
			event.NewEvent(event.TypeStatusChanged, "wf-1", nil),
			event.NewEvent(event.TypeDoctorAssigned, "wf-1", nil),
			event.NewEvent(event.TypeConsultationReady, "wf-1", nil),
		)
		require.NoError(t, d.Close())
		assert.Equal(t, []event.Type{
			event.TypeStatusChanged,
			event.TypeDoctorAssigned,
			event.TypeConsultationReady,
		}, got)
		assert.Equal(t, int64(3), d.Stats().Delivered)
	})

	t.Run("empty batch is ignored", func(t *testing.T) {
		d := NewDispatcher()
		d.Publish(context.Background())
		require.NoError(t, d.Close())
		assert.Zero(t, d.Stats().Published)
	})

	t.Run("closed dispatcher drops event", func(t *testing.T) {
		logger := &mockLogger{}
		d := NewDispatcher(WithLogger(logger))
		var called atomic.Bool
		d.Subscribe(event.TypeConsultationReady, func(ctx context.Context, evt *event.Event) error {
			called.Store(true)
			return nil
		})
		require.NoError(t, d.Close())

		d.Publish(context.Background(), newEvent())
		assert.False(t, called.Load())
		assert.Equal(t, 1, logger.ErrorCount())
		assert.Equal(t, int64(1), d.Stats().Dropped)
	})
}

func TestConcurrency(t *testing.T) {
	t.Run("named subscriptions", func(t *testing.T) {
		d := NewDispatcher()
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				d.SubscribeNamed(event.TypeStatusChanged, fmt.Sprintf("handler-%d", id), noop)
			}(i)
		}
		wg.Wait()
		assert.Len(t, d.ListHandlers(event.TypeStatusChanged), 10)
	})

	t.Run("generated names never collide", func(t *testing.T) {
		d := NewDispatcher()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.Subscribe(event.TypeWorkflowCreated, noop)
			}()
		}
		wg.Wait()

		handlers := d.ListHandlers(event.TypeWorkflowCreated)
		require.Len(t, handlers, 50)
		names := make(map[string]struct{}, len(handlers))
		for _, h := range handlers {
			names[h.Name] = struct{}{}
		}
		assert.Len(t, names, 50)
	})

	t.Run("publish racing close is delivered or dropped", func(t *testing.T) {
		for round := 0; round < 20; round++ {
			d := NewDispatcher()
			var called atomic.Int64
			d.Subscribe(event.TypeWorkflowCreated, func(ctx context.Context, evt *event.Event) error {
				called.Add(1)
				return nil
			})

			var (
				wg    sync.WaitGroup
				start = make(chan struct{})
			)
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d.Publish(context.Background(), event.NewEvent(event.TypeWorkflowCreated, "wf", nil))
				}()
			}
			var closeErr error
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				closeErr = d.Close()
			}()
			close(start)
			wg.Wait()
			require.NoError(t, closeErr)

			// every accepted batch finished before Close returned
			stats := d.Stats()
			assert.Equal(t, stats.Published, called.Load())
			assert.Equal(t, int64(10), stats.Published+stats.Dropped)
		}
	})
}
