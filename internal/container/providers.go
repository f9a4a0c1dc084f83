package container

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/garyjia/clinic-workflow/internal/application/dispatcher"
	"github.com/garyjia/clinic-workflow/internal/application/port"
	"github.com/garyjia/clinic-workflow/internal/application/service"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/external/lark"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/messaging/billing"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/memory"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/postgres"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/redisstore"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/report"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/roster"
	"github.com/garyjia/clinic-workflow/internal/infrastructure/worker"
	"github.com/garyjia/clinic-workflow/pkg/database"
)

// StoreBundle holds the selected workflow store and the handles it owns.
type StoreBundle struct {
	Store port.WorkflowStore
	// Ping checks the backing service; nil for the in-memory store
	Ping  func(ctx context.Context) error
	Close func() error
}

// ProvideStore opens the workflow store named by cfg.Store.Driver.
// SQLite runs the embedded migrations; Postgres creates its schema on start.
func ProvideStore(ctx context.Context, cfg *Config, logger *zap.Logger) (*StoreBundle, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	switch cfg.Store.Driver {
	case StoreMemory:
		return &StoreBundle{Store: memory.NewStore(), Close: func() error { return nil }}, nil

	case StoreSQLite:
		db, err := database.Open(ctx, database.Config{
			Path:            cfg.Database.Path,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := database.NewMigrator(db, logger).RunMigrations(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return &StoreBundle{
			Store: sqlite.NewWorkflowStore(db, logger),
			Ping:  db.PingContext,
			Close: db.Close,
		}, nil

	case StorePostgres:
		db, err := sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		if cfg.Postgres.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		store, err := postgres.NewWorkflowStore(ctx, db, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
		return &StoreBundle{Store: store, Ping: db.PingContext, Close: db.Close}, nil

	case StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return &StoreBundle{
			Store: redisstore.NewWorkflowStore(client, cfg.Redis.KeyPrefix, logger),
			Ping:  func(ctx context.Context) error { return client.Ping(ctx).Err() },
			Close: client.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// ProvideRoster returns the file-backed roster, or an empty static roster when no path is set.
func ProvideRoster(cfg *RosterConfig, logger *zap.Logger) port.RosterProvider {
	if cfg == nil || cfg.Path == "" {
		logger.Warn("No roster file configured, automatic assignment will find no doctors")
		return roster.Static(nil)
	}
	return roster.NewFileProvider(cfg.Path, logger)
}

// ProvideNotifier returns the Lark messenger, or nil when credentials are absent.
func ProvideNotifier(cfg *LarkConfig, logger *zap.Logger) port.Notifier {
	if cfg == nil || cfg.AppID == "" || cfg.AppSecret == "" {
		logger.Info("Lark credentials not configured, doctor notifications disabled")
		return nil
	}
	client := lark.NewClient(lark.Config{
		AppID:     cfg.AppID,
		AppSecret: cfg.AppSecret,
		BaseURL:   cfg.BaseURL,
	}, logger)
	return lark.NewMessenger(client, logger)
}

// ProvideDispatcher creates the in-process event dispatcher.
func ProvideDispatcher(cfg *WorkflowConfig, logger *zap.Logger) (dispatcher.Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	opts := []dispatcher.Option{dispatcher.WithLogger(&zapLoggerAdapter{logger: logger})}
	if cfg != nil && cfg.EventTimeout > 0 {
		opts = append(opts, dispatcher.WithAsyncTimeout(cfg.EventTimeout))
	}
	return dispatcher.NewDispatcher(opts...), nil
}

// ServiceDeps holds the inputs of ProvideServices.
type ServiceDeps struct {
	Store      port.WorkflowStore
	Roster     port.RosterProvider
	Notifier   port.Notifier
	Dispatcher dispatcher.Dispatcher
	Workflow   *WorkflowConfig
	Logger     *zap.Logger
}

// ProvideServices builds the application services and subscribes event handlers.
func ProvideServices(deps *ServiceDeps) (*ServiceBundle, error) {
	if deps == nil {
		return nil, fmt.Errorf("service dependencies are required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("workflow store is required")
	}
	if deps.Roster == nil {
		return nil, fmt.Errorf("roster is required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	serviceLogger := &zapLoggerAdapter{logger: deps.Logger}

	opts := []service.OrchestratorOption{}
	if deps.Dispatcher != nil {
		opts = append(opts, service.WithDispatcher(deps.Dispatcher))
	}
	if deps.Workflow != nil {
		opts = append(opts,
			service.WithMaxRetries(deps.Workflow.MaxRetries),
			service.WithEmergencySkipsVitals(deps.Workflow.EmergencySkipsVitals),
		)
	}

	bundle := &ServiceBundle{
		Orchestrator: service.NewWorkflowOrchestrator(deps.Store, deps.Roster, serviceLogger, opts...),
		Report:       service.NewReportService(deps.Store, report.NewXLSXRenderer(deps.Logger), serviceLogger),
	}

	if deps.Notifier != nil {
		bundle.Notification = service.NewNotificationService(deps.Store, deps.Roster, deps.Notifier, serviceLogger)
		if deps.Dispatcher != nil {
			bundle.Notification.Register(deps.Dispatcher)
		}
	}

	return bundle, nil
}

// ProvideWorkers registers the billing consumer when Kafka is enabled.
func ProvideWorkers(cfg *KafkaConfig, handler billing.PaymentHandler, logger *zap.Logger) (*worker.Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	manager := worker.NewManager(logger)
	if cfg == nil || !cfg.Enabled {
		return manager, nil
	}
	if handler == nil {
		return nil, fmt.Errorf("payment handler is required")
	}

	reader := billing.NewReader(billing.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	consumerCfg := billing.DefaultConsumerConfig()
	if cfg.RetryBackoff > 0 {
		consumerCfg.RetryBackoff = cfg.RetryBackoff
	}
	manager.Register(billing.NewConsumer(consumerCfg, reader, handler, logger))

	return manager, nil
}
