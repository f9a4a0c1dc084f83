package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Store    StoreConfig    `mapstructure:"store"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Lark     LarkConfig     `mapstructure:"lark"`
	Roster   RosterConfig   `mapstructure:"roster"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Mode         string        `mapstructure:"mode"`
}

// DatabaseConfig holds SQLite configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// StoreConfig selects the workflow store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
}

// PostgresConfig holds PostgreSQL configuration
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// KafkaConfig holds the billing consumer configuration
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	GroupID      string        `mapstructure:"group_id"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// LarkConfig holds Lark API configuration. Notifications are off without credentials.
type LarkConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

// Enabled reports whether Lark credentials are configured
func (c LarkConfig) Enabled() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// RosterConfig holds the staff roster source
type RosterConfig struct {
	Path string `mapstructure:"path"`
}

// WorkflowConfig holds orchestrator policy
type WorkflowConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	EmergencySkipsVitals bool          `mapstructure:"emergency_skips_vitals"`
	EventTimeout         time.Duration `mapstructure:"event_timeout"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables.
// An empty configPath loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := bindEnvVars(v); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.mode", "release")

	v.SetDefault("database.path", "data/clinic.db")
	v.SetDefault("database.max_open_conns", 1)
	v.SetDefault("database.max_idle_conns", 1)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("store.driver", DriverSQLite)

	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "clinic:")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "billing.payments")
	v.SetDefault("kafka.group_id", "clinic-workflow")
	v.SetDefault("kafka.retry_backoff", 2*time.Second)

	v.SetDefault("roster.path", "configs/roster.yaml")

	v.SetDefault("workflow.max_retries", 3)
	v.SetDefault("workflow.emergency_skips_vitals", false)
	v.SetDefault("workflow.event_timeout", 30*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output_path", "stdout")
	v.SetDefault("logger.format", "json")
}

// bindEnvVars binds credentials to conventional variable names
func bindEnvVars(v *viper.Viper) error {
	bindings := map[string]string{
		"lark.app_id":     "LARK_APP_ID",
		"lark.app_secret": "LARK_APP_SECRET",
		"postgres.dsn":    "POSTGRES_DSN",
		"redis.password":  "REDIS_PASSWORD",
		"store.driver":    "STORE_DRIVER",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite store")
		}
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres store")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	if (c.Lark.AppID == "") != (c.Lark.AppSecret == "") {
		return fmt.Errorf("lark.app_id and lark.app_secret must be set together")
	}

	if c.Workflow.MaxRetries < 0 {
		return fmt.Errorf("workflow.max_retries must not be negative")
	}

	if c.Workflow.EventTimeout < 0 {
		return fmt.Errorf("workflow.event_timeout must not be negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}

	return nil
}
