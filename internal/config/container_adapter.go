package config

import (
	"github.com/garyjia/clinic-workflow/internal/container"
)

// ToContainerConfig converts the application Config to a container.Config.
func (c *Config) ToContainerConfig() *container.Config {
	return &container.Config{
		Store: container.StoreConfig{
			Driver: c.Store.Driver,
		},
		Database: container.DatabaseConfig{
			Path:            c.Database.Path,
			MaxOpenConns:    c.Database.MaxOpenConns,
			MaxIdleConns:    c.Database.MaxIdleConns,
			ConnMaxLifetime: c.Database.ConnMaxLifetime,
		},
		Postgres: container.PostgresConfig{
			DSN:          c.Postgres.DSN,
			MaxOpenConns: c.Postgres.MaxOpenConns,
		},
		Redis: container.RedisConfig{
			Addr:      c.Redis.Addr,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		},
		Kafka: container.KafkaConfig{
			Enabled:      c.Kafka.Enabled,
			Brokers:      c.Kafka.Brokers,
			Topic:        c.Kafka.Topic,
			GroupID:      c.Kafka.GroupID,
			RetryBackoff: c.Kafka.RetryBackoff,
		},
		Lark: container.LarkConfig{
			AppID:     c.Lark.AppID,
			AppSecret: c.Lark.AppSecret,
			BaseURL:   c.Lark.BaseURL,
		},
		Roster: container.RosterConfig{
			Path: c.Roster.Path,
		},
		Workflow: container.WorkflowConfig{
			MaxRetries:           c.Workflow.MaxRetries,
			EmergencySkipsVitals: c.Workflow.EmergencySkipsVitals,
			EventTimeout:         c.Workflow.EventTimeout,
		},
	}
}
