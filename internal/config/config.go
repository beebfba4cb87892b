package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuongbtq/genjobs/internal/domain"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Idempotency backends
const (
	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
	IdempotencyBackendSQL    = "sql"
)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Pricing     map[string]int64  `yaml:"pricing"`
	Jobs        JobsConfig        `yaml:"jobs"`
	Worker      WorkerConfig      `yaml:"worker"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL         string        `yaml:"url"`
	Password    string        `yaml:"password"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// Exchange, Queue and RoutingKey carry dispatched generation requests.
type RabbitMQConfig struct {
	Host          string              `yaml:"host"`
	Port          int                 `yaml:"port"`
	User          string              `yaml:"user"`
	Password      string              `yaml:"password"`
	VHost         string              `yaml:"vhost"`
	Exchange      ExchangeConfig      `yaml:"exchange"`
	Queue         QueueConfig         `yaml:"queue"`
	RoutingKey    string              `yaml:"routing_key"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Publish       PublishConfig       `yaml:"publish"`
	Consumer      ConsumerConfig      `yaml:"consumer"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Confirms          bool          `yaml:"confirms"`
	ConfirmTimeout    time.Duration `yaml:"confirm_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	Tag           string `yaml:"tag"`
	PrefetchCount int    `yaml:"prefetch_count"`
}

// NotificationsConfig holds the exchange terminal job events are published to.
// When disabled, events are only logged.
type NotificationsConfig struct {
	Enabled    bool           `yaml:"enabled"`
	Exchange   ExchangeConfig `yaml:"exchange"`
	RoutingKey string         `yaml:"routing_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// IdempotencyConfig selects where processed terminal callbacks are remembered
type IdempotencyConfig struct {
	Backend       string        `yaml:"backend"`
	Window        time.Duration `yaml:"window"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	KeyPrefix     string        `yaml:"key_prefix"`
}

// DispatchConfig holds settings for handing jobs to the generation service
type DispatchConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	CallbackURL string        `yaml:"callback_url"`
}

// JobsConfig holds job policy settings
type JobsConfig struct {
	// StalePendingAfter is how long a job may stay PENDING before the expiry sweep fails it
	StalePendingAfter time.Duration `yaml:"stale_pending_after"`
	ExpireBatchSize   int           `yaml:"expire_batch_size"`
	WithholdRefunds   bool          `yaml:"withhold_refunds"`
}

// WorkerConfig holds reference worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	StepDelay       time.Duration `yaml:"step_delay"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`
	// FailureRate is the share of jobs the simulator fails, between 0 and 1
	FailureRate float64 `yaml:"failure_rate"`
	// PayloadConvention is legacy, v2 or alternate
	PayloadConvention string `yaml:"payload_convention"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = IdempotencyBackendSQL
	}
	if c.Idempotency.Window == 0 {
		c.Idempotency.Window = 5 * time.Minute
	}
	if c.Idempotency.SweepInterval == 0 {
		c.Idempotency.SweepInterval = time.Minute
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "genjobs:callback:"
	}
	if c.Dispatch.Timeout == 0 {
		c.Dispatch.Timeout = 5 * time.Second
	}
	if c.Jobs.ExpireBatchSize == 0 {
		c.Jobs.ExpireBatchSize = 100
	}
	if c.Worker.PayloadConvention == "" {
		c.Worker.PayloadConvention = "alternate"
	}
}

// PricingTable converts the configured prices into per-kind unit costs
func (c *Config) PricingTable() (map[domain.JobKind]int64, error) {
	table := make(map[domain.JobKind]int64, len(c.Pricing))
	for name, cost := range c.Pricing {
		kind, err := domain.ParseJobKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid pricing entry %q: %w", name, err)
		}
		if cost <= 0 {
			return nil, fmt.Errorf("invalid pricing entry %q: unit cost must be greater than 0", name)
		}
		table[kind] = cost
	}
	return table, nil
}

// ValidateAPIConfig checks the settings the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Notifications.Enabled && c.RabbitMQ.Notifications.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq notifications exchange name is required when notifications are enabled")
	}

	switch c.Idempotency.Backend {
	case IdempotencyBackendMemory, IdempotencyBackendSQL:
	case IdempotencyBackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("redis url is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("unknown idempotency backend: %q", c.Idempotency.Backend)
	}

	if c.Idempotency.Window <= 0 {
		return fmt.Errorf("idempotency window must be greater than 0")
	}

	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("dispatch timeout must be greater than 0")
	}

	if c.Jobs.StalePendingAfter > 0 && c.Jobs.StalePendingAfter <= c.Dispatch.Timeout {
		return fmt.Errorf("jobs stale_pending_after must exceed dispatch timeout")
	}

	if c.Dispatch.CallbackURL == "" {
		return fmt.Errorf("dispatch callback_url is required")
	}

	if _, err := c.PricingTable(); err != nil {
		return err
	}

	return nil
}

// ValidateWorkerConfig checks the settings the reference worker depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.FailureRate < 0 || c.Worker.FailureRate > 1 {
		return fmt.Errorf("worker failure_rate must be between 0 and 1")
	}

	switch strings.ToLower(c.Worker.PayloadConvention) {
	case "legacy", "v2", "alternate":
	default:
		return fmt.Errorf("unknown worker payload_convention: %q", c.Worker.PayloadConvention)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
