package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/garyjia/clinic-workflow/internal/domain/event"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("dispatcher closed")

// Dispatcher fans workflow events out to subscribers after a change commits.
type Dispatcher interface {
	// Subscribe registers a handler under a generated name
	Subscribe(eventType event.Type, handler Handler)

	// SubscribeNamed registers a handler under name. A later registration
	// with the same name replaces the earlier one.
	SubscribeNamed(eventType event.Type, name string, handler Handler)

	// Publish delivers a batch in the background. Events of one batch reach
	// each handler in the order given. Handlers keep the context's values
	// but not its cancellation.
	Publish(ctx context.Context, evts ...*event.Event)

	ListHandlers(eventType event.Type) []HandlerInfo
	Stats() Stats

	// Close stops accepting events and waits for pending batches
	Close() error
}

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type eventDispatcher struct {
	mu     sync.RWMutex
	subs   map[event.Type][]subscription
	seq    map[event.Type]int
	logger Logger
	now    func() time.Time

	// pending and closed change only under mu
	pending      sync.WaitGroup
	closed       bool
	asyncTimeout time.Duration

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	dropped   atomic.Int64
}

// Option configures the dispatcher
type Option func(*eventDispatcher)

// WithLogger sets a logger for the dispatcher
func WithLogger(logger Logger) Option {
	return func(d *eventDispatcher) {
		d.logger = logger
	}
}

// WithAsyncTimeout bounds each handler call made by Publish
func WithAsyncTimeout(timeout time.Duration) Option {
	return func(d *eventDispatcher) {
		d.asyncTimeout = timeout
	}
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(opts ...Option) Dispatcher {
	d := &eventDispatcher{
		subs: make(map[event.Type][]subscription),
		seq:  make(map[event.Type]int),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *eventDispatcher) Subscribe(eventType event.Type, handler Handler) {
	d.register(eventType, "", handler)
}

func (d *eventDispatcher) SubscribeNamed(eventType event.Type, name string, handler Handler) {
	d.register(eventType, name, handler)
}

// register adds or replaces a subscription. An empty name is generated from
// the per-type sequence in the same critical section that advances it.
func (d *eventDispatcher) register(eventType event.Type, name string, handler Handler) {
	registeredAt := d.now()

	d.mu.Lock()
	if name == "" {
		name = fmt.Sprintf("handler-%d", d.seq[eventType])
	}
	d.seq[eventType]++
	sub := subscription{
		info:    HandlerInfo{Name: name, EventType: eventType, RegisteredAt: registeredAt},
		handler: handler,
	}
	replaced := false
	subs := d.subs[eventType]
	for i := range subs {
		if subs[i].info.Name == name {
			subs[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		d.subs[eventType] = append(subs, sub)
	}
	d.mu.Unlock()

	d.logInfo("Handler registered", "event_type", eventType, "handler_name", name, "replaced", replaced)
}

func (d *eventDispatcher) Publish(ctx context.Context, evts ...*event.Event) {
	if len(evts) == 0 {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.dropped.Add(int64(len(evts)))
		d.logError("Dispatcher closed, dropping events", "count", len(evts), "workflow_id", evts[0].WorkflowID)
		return
	}
	d.pending.Add(1)
	d.mu.Unlock()
	d.published.Add(int64(len(evts)))

	batch := make([]*event.Event, len(evts))
	copy(batch, evts)
	detached := context.WithoutCancel(ctx)

	go func() {
		defer d.pending.Done()
		for _, evt := range batch {
			for _, sub := range d.snapshot(evt.Type) {
				d.deliverDetached(detached, evt, sub)
			}
		}
	}()
}

func (d *eventDispatcher) deliverDetached(ctx context.Context, evt *event.Event, sub subscription) {
	if d.asyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.asyncTimeout)
		defer cancel()
	}
	_ = d.deliver(ctx, evt, sub)
}

// deliver runs one handler, recovering panics and updating counters
func (d *eventDispatcher) deliver(ctx context.Context, evt *event.Event, sub subscription) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.panics.Add(1)
			err = fmt.Errorf("handler panic: %v", r)
		}
		if err != nil {
			d.failed.Add(1)
			d.logError("Handler failed",
				"event_type", evt.Type,
				"event_id", evt.ID,
				"workflow_id", evt.WorkflowID,
				"handler_name", sub.info.Name,
				"error", err,
			)
			return
		}
		d.delivered.Add(1)
	}()
	return sub.handler(ctx, evt)
}

func (d *eventDispatcher) snapshot(eventType event.Type) []subscription {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]subscription(nil), d.subs[eventType]...)
}

func (d *eventDispatcher) ListHandlers(eventType event.Type) []HandlerInfo {
	subs := d.snapshot(eventType)
	out := make([]HandlerInfo, len(subs))
	for i, sub := range subs {
		out[i] = sub.info
	}
	return out
}

func (d *eventDispatcher) Stats() Stats {
	return Stats{
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Panics:    d.panics.Load(),
		Dropped:   d.dropped.Load(),
	}
}

func (d *eventDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	d.mu.Unlock()

	d.logInfo("Closing dispatcher, waiting for pending events")
	d.pending.Wait()
	d.logInfo("Dispatcher closed", "delivered", d.delivered.Load(), "failed", d.failed.Load())
	return nil
}

func (d *eventDispatcher) logInfo(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *eventDispatcher) logError(msg string, kv ...interface{}) {
	if d.logger != nil {
		d.logger.Error(msg, kv...)
	}
}
