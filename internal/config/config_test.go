package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/domain"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("GENJOBS_DB_PASSWORD", "s3cret")

			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "genjobs", cfg.Database.Database)
			assert.Equal(t, "generation_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "generation_requests", cfg.RabbitMQ.Queue.Name)
			assert.True(t, cfg.RabbitMQ.Publish.Confirms)
			assert.True(t, cfg.RabbitMQ.Notifications.Enabled)
			assert.Equal(t, "job_events", cfg.RabbitMQ.Notifications.Exchange.Name)
			assert.Equal(t, IdempotencyBackendRedis, cfg.Idempotency.Backend)
			assert.Equal(t, 48*time.Hour, cfg.Idempotency.Window)
			assert.Equal(t, 3*time.Second, cfg.Dispatch.Timeout)
			assert.Equal(t, int64(40), cfg.Pricing["BOOK"])
			assert.Equal(t, "genjobs-api-service", cfg.App.Name)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, IdempotencyBackendSQL, cfg.Idempotency.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Idempotency.Window)
	assert.Equal(t, time.Minute, cfg.Idempotency.SweepInterval)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 100, cfg.Jobs.ExpireBatchSize)
	assert.Equal(t, "alternate", cfg.Worker.PayloadConvention)
}

func validAPIConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "genjobs",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "generation_exchange"},
			Queue:    QueueConfig{Name: "generation_requests"},
		},
		Idempotency: IdempotencyConfig{Backend: IdempotencyBackendMemory, Window: time.Hour},
		Dispatch:    DispatchConfig{Timeout: time.Second, CallbackURL: "http://localhost:8080/api/v1/webhooks/generation"},
		Pricing:     map[string]int64{"IMAGE": 10},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "invalid server port - too low", mutate: func(c *Config) { c.Server.Port = 0 }, errString: "invalid server port"},
		{name: "invalid server port - too high", mutate: func(c *Config) { c.Server.Port = 70000 }, errString: "invalid server port"},
		{name: "empty database host", mutate: func(c *Config) { c.Database.Host = "" }, errString: "database host is required"},
		{name: "empty database name", mutate: func(c *Config) { c.Database.Database = "" }, errString: "database name is required"},
		{name: "empty rabbitmq host", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "empty exchange name", mutate: func(c *Config) { c.RabbitMQ.Exchange.Name = "" }, errString: "rabbitmq exchange name is required"},
		{name: "empty queue name", mutate: func(c *Config) { c.RabbitMQ.Queue.Name = "" }, errString: "rabbitmq queue name is required"},
		{
			name: "notifications without exchange",
			mutate: func(c *Config) {
				c.RabbitMQ.Notifications.Enabled = true
			},
			errString: "notifications exchange name is required",
		},
		{name: "redis backend without url", mutate: func(c *Config) { c.Idempotency.Backend = IdempotencyBackendRedis }, errString: "redis url is required"},
		{
			name: "redis backend with url",
			mutate: func(c *Config) {
				c.Idempotency.Backend = IdempotencyBackendRedis
				c.Redis.URL = "redis://localhost:6379/0"
			},
		},
		{name: "unknown backend", mutate: func(c *Config) { c.Idempotency.Backend = "etcd" }, errString: "unknown idempotency backend"},
		{name: "zero window", mutate: func(c *Config) { c.Idempotency.Window = 0 }, errString: "idempotency window"},
		{name: "zero dispatch timeout", mutate: func(c *Config) { c.Dispatch.Timeout = 0 }, errString: "dispatch timeout"},
		{
			name: "stale sweep within dispatch timeout",
			mutate: func(c *Config) {
				c.Dispatch.Timeout = 5 * time.Second
				c.Jobs.StalePendingAfter = 5 * time.Second
			},
			errString: "stale_pending_after must exceed dispatch timeout",
		},
		{
			name: "stale sweep after dispatch timeout",
			mutate: func(c *Config) {
				c.Dispatch.Timeout = 5 * time.Second
				c.Jobs.StalePendingAfter = 15 * time.Minute
			},
		},
		{name: "missing callback url", mutate: func(c *Config) { c.Dispatch.CallbackURL = "" }, errString: "callback_url is required"},
		{name: "unknown priced kind", mutate: func(c *Config) { c.Pricing["PODCAST"] = 5 }, errString: "invalid pricing entry"},
		{name: "non-positive price", mutate: func(c *Config) { c.Pricing["IMAGE"] = 0 }, errString: "unit cost must be greater than 0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validAPIConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	valid := func() *Config {
		cfg := validAPIConfig()
		cfg.Worker = WorkerConfig{
			Concurrency:       4,
			JobTimeout:        time.Minute,
			ShutdownTimeout:   10 * time.Second,
			FailureRate:       0.1,
			PayloadConvention: "alternate",
		}
		return cfg
	}

	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "zero concurrency", mutate: func(c *Config) { c.Worker.Concurrency = 0 }, errString: "concurrency must be greater than 0"},
		{name: "zero job timeout", mutate: func(c *Config) { c.Worker.JobTimeout = 0 }, errString: "job_timeout must be greater than 0"},
		{name: "zero shutdown timeout", mutate: func(c *Config) { c.Worker.ShutdownTimeout = 0 }, errString: "shutdown_timeout must be greater than 0"},
		{name: "failure rate above one", mutate: func(c *Config) { c.Worker.FailureRate = 1.5 }, errString: "failure_rate"},
		{name: "unknown convention", mutate: func(c *Config) { c.Worker.PayloadConvention = "v3" }, errString: "payload_convention"},
		{name: "missing rabbitmq", mutate: func(c *Config) { c.RabbitMQ.Host = "" }, errString: "rabbitmq host is required"},
		{name: "database not required", mutate: func(c *Config) { c.Database = DatabaseConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_PricingTable(t *testing.T) {
	cfg := &Config{Pricing: map[string]int64{"image": 10, "BOOK": 40}}

	table, err := cfg.PricingTable()
	require.NoError(t, err)

	assert.Equal(t, map[domain.JobKind]int64{domain.JobKindImage: 10, domain.JobKindBook: 40}, table)
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
