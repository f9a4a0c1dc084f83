package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/garyjia/clinic-workflow/internal/application/dispatcher"
	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/internal/domain/event"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// Container manages all application dependencies and lifecycle.
// Components are initialized in dependency order and torn down in reverse.
type Container struct {
	config *Config
	logger *zap.Logger

	// Infrastructure
	stores   *StoreBundle
	roster   port.RosterProvider
	notifier port.Notifier

	// Application
	dispatcher dispatcher.Dispatcher
	services   *ServiceBundle

	// Workers
	workers *worker.Manager

	// Lifecycle
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	ready  atomic.Bool
	closed atomic.Bool
}

// ServiceBundle groups all application services.
type ServiceBundle struct {
	Orchestrator service.WorkflowOrchestrator
	Report       service.ReportService
	// Notification is nil when Lark is not configured
	Notification service.NotificationService
}

// HealthStatus represents the health of all components.
type HealthStatus struct {
	Overall    bool                       `json:"overall"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// NewContainer creates a new container from configuration.
// It does not initialize components - call Start() to initialize.
func NewContainer(cfg *Config, logger *zap.Logger) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Container{
		config: cfg,
		logger: logger,
	}, nil
}

// Start initializes all components and begins processing:
// store, roster and notifier, dispatcher, services, then workers.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container has been closed")
	}
	if c.ready.Load() {
		return fmt.Errorf("container already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.logger.Info("Starting container initialization", zap.String("store", c.config.Store.Driver))

	stores, err := ProvideStore(c.ctx, c.config, c.logger)
	if err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	c.stores = stores
	c.logger.Info("Workflow store initialized")

	c.roster = ProvideRoster(&c.config.Roster, c.logger)
	c.notifier = ProvideNotifier(&c.config.Lark, c.logger)

	disp, err := ProvideDispatcher(&c.config.Workflow, c.logger)
	if err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize dispatcher: %w", err)
	}
	c.dispatcher = disp

	services, err := ProvideServices(&ServiceDeps{
		Store:      c.stores.Store,
		Roster:     c.roster,
		Notifier:   c.notifier,
		Dispatcher: c.dispatcher,
		Workflow:   &c.config.Workflow,
		Logger:     c.logger,
	})
	if err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	c.services = services
	c.logger.Info("Application services initialized")

	workers, err := ProvideWorkers(&c.config.Kafka, c.services.Orchestrator, c.logger)
	if err != nil {
		c.teardown()
		return fmt.Errorf("failed to initialize workers: %w", err)
	}
	if err := workers.StartAll(c.ctx); err != nil {
		c.teardown()
		return fmt.Errorf("failed to start workers: %w", err)
	}
	c.workers = workers
	c.logger.Info("Workers started", zap.Int("count", workers.Count()))

	c.ready.Store(true)
	c.logger.Info("Container started successfully")
	return nil
}

// Close gracefully shuts down all components in reverse order.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return fmt.Errorf("container already closed")
	}

	c.logger.Info("Closing container")
	errs := c.teardown()

	c.closed.Store(true)
	c.ready.Store(false)

	if len(errs) > 0 {
		c.logger.Error("Container closed with errors", zap.Int("error_count", len(errs)))
		return fmt.Errorf("container closed with %d errors: %w", len(errs), errs[0])
	}

	c.logger.Info("Container closed successfully")
	return nil
}

// teardown releases whatever Start managed to build
func (c *Container) teardown() []error {
	var errs []error

	if c.cancel != nil {
		c.cancel()
	}

	if c.workers != nil {
		if err := c.workers.StopAll(); err != nil {
			c.logger.Error("Failed to stop workers", zap.Error(err))
			errs = append(errs, fmt.Errorf("stop workers: %w", err))
		}
		c.workers = nil
	}

	// drains in-flight async handlers before the store goes away
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(); err != nil {
			c.logger.Error("Failed to close dispatcher", zap.Error(err))
			errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
		}
		c.dispatcher = nil
	}

	if c.stores != nil {
		if err := c.stores.Close(); err != nil {
			c.logger.Error("Failed to close store", zap.Error(err))
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		c.stores = nil
	}

	return errs
}

// Ready returns true when all components are initialized.
func (c *Container) Ready() bool {
	return c.ready.Load()
}

// Health returns health status of all components.
func (c *Container) Health(ctx context.Context) *HealthStatus {
	c.mu.Lock()
	stores, workers, disp := c.stores, c.workers, c.dispatcher
	c.mu.Unlock()

	status := &HealthStatus{
		Overall:    true,
		Components: make(map[string]ComponentHealth),
	}

	switch {
	case stores == nil:
		status.Components["store"] = ComponentHealth{Healthy: false, Message: "not initialized"}
		status.Overall = false
	case stores.Ping != nil:
		if err := stores.Ping(ctx); err != nil {
			status.Components["store"] = ComponentHealth{Healthy: false, Message: fmt.Sprintf("ping failed: %v", err)}
			status.Overall = false
		} else {
			status.Components["store"] = ComponentHealth{Healthy: true, Message: c.config.Store.Driver}
		}
	default:
		status.Components["store"] = ComponentHealth{Healthy: true, Message: c.config.Store.Driver}
	}

	if workers != nil {
		status.Components["workers"] = ComponentHealth{
			Healthy: workers.IsRunning(),
			Message: fmt.Sprintf("worker count: %d", workers.Count()),
		}
		if !workers.IsRunning() {
			status.Overall = false
		}
	} else {
		status.Components["workers"] = ComponentHealth{Healthy: false, Message: "not initialized"}
		status.Overall = false
	}

	notifications := ComponentHealth{Healthy: true, Message: "disabled"}
	if c.notifier != nil {
		notifications.Message = "lark"
	}
	status.Components["notifications"] = notifications

	if disp != nil {
		st := disp.Stats()
		var names []string
		for _, h := range disp.ListHandlers(event.TypeConsultationReady) {
			names = append(names, h.Name)
		}
		ready := "none"
		if len(names) > 0 {
			ready = strings.Join(names, ",")
		}
		status.Components["events"] = ComponentHealth{
			Healthy: true,
			Message: fmt.Sprintf("published: %d, delivered: %d, failed: %d, consultation-ready handlers: %s",
				st.Published, st.Delivered, st.Failed, ready),
		}
	}

	return status
}

// Orchestrator returns the workflow orchestrator.
func (c *Container) Orchestrator() service.WorkflowOrchestrator {
	return c.services.Orchestrator
}

// Reports returns the report service.
func (c *Container) Reports() service.ReportService {
	return c.services.Report
}

// Dispatcher returns the event dispatcher.
func (c *Container) Dispatcher() dispatcher.Dispatcher {
	return c.dispatcher
}

// zapLoggerAdapter adapts zap.Logger to the service and dispatcher Logger interfaces.
type zapLoggerAdapter struct {
	logger *zap.Logger
}

func (a *zapLoggerAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, convertToZapFields(keysAndValues...)...)
}

func (a *zapLoggerAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, convertToZapFields(keysAndValues...)...)
}

// convertToZapFields converts key-value pairs to zap fields.
func convertToZapFields(keysAndValues ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if err, isErr := keysAndValues[i+1].(error); isErr {
			fields = append(fields, zap.NamedError(key, err))
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}

// NewServiceLogger adapts logger to the key-value Logger interfaces of the service and HTTP layers.
func NewServiceLogger(logger *zap.Logger) service.Logger {
	return &zapLoggerAdapter{logger: logger}
}
