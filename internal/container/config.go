// Package container provides dependency injection and lifecycle management
// for the consultation workflow service.
package container

import (
	"fmt"
	"time"
)

// Store drivers understood by ProvideStore
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds all configuration for the Container.
type Config struct {
	Store    StoreConfig
	Database DatabaseConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Lark     LarkConfig
	Roster   RosterConfig
	Workflow WorkflowConfig
}

// StoreConfig selects the workflow store.
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	DSN          string
	MaxOpenConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// KafkaConfig holds billing consumer settings.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	GroupID      string
	RetryBackoff time.Duration
}

// LarkConfig holds Lark API settings.
type LarkConfig struct {
	AppID     string
	AppSecret string
	BaseURL   string
}

// RosterConfig points at the staff roster file.
type RosterConfig struct {
	Path string
}

// WorkflowConfig holds orchestrator policy.
type WorkflowConfig struct {
	MaxRetries           int
	EmergencySkipsVitals bool
	// EventTimeout bounds each asynchronous event handler call, 0 for none
	EventTimeout time.Duration
}

// DefaultConfig returns a Config backed by the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{Driver: StoreMemory},
		Database: DatabaseConfig{
			Path:            "data/clinic.db",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "clinic:",
		},
		Kafka: KafkaConfig{
			Topic:        "billing.payments",
			GroupID:      "clinic-workflow",
			RetryBackoff: 2 * time.Second,
		},
		Workflow: WorkflowConfig{
			MaxRetries:   3,
			EventTimeout: 30 * time.Second,
		},
	}
}

// Validate checks that required configuration values are present.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka brokers and topic are required")
	}

	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow max retries must not be negative")
	}

	if c.Workflow.EventTimeout < 0 {
		return fmt.Errorf("workflow event timeout must not be negative")
	}

	return nil
}
