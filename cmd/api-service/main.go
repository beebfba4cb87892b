package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/genjobs/internal/api/handler"
	"github.com/cuongbtq/genjobs/internal/api/router"
	"github.com/cuongbtq/genjobs/internal/config"
	"github.com/cuongbtq/genjobs/internal/dispatch"
	"github.com/cuongbtq/genjobs/internal/idempotency"
	"github.com/cuongbtq/genjobs/internal/jobstore"
	"github.com/cuongbtq/genjobs/internal/ledger"
	"github.com/cuongbtq/genjobs/internal/lifecycle"
	"github.com/cuongbtq/genjobs/internal/materializer"
	"github.com/cuongbtq/genjobs/internal/migrations"
	"github.com/cuongbtq/genjobs/internal/notify"
	"github.com/cuongbtq/genjobs/internal/webhook"
	"github.com/cuongbtq/genjobs/shared/logger"
	"github.com/cuongbtq/genjobs/shared/postgresql"
	"github.com/cuongbtq/genjobs/shared/rabbitmq"
	"github.com/cuongbtq/genjobs/shared/redis"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.App, &cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbConfig := postgresConfig(&cfg.Database, cfg.App.Name)
	if cfg.Database.AutoMigrate {
		if err := migrate(dbConfig); err != nil {
			return err
		}
		appLogger.Info("Database migrations applied")
	}

	dbClient, err := postgresql.NewClient(dbConfig, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()
	db := dbClient.GetDB()

	dispatchClient, err := rabbitmq.NewClient(dispatchRabbitConfig(&cfg.RabbitMQ), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer dispatchClient.Close()

	healthChecks := map[string]handler.HealthCheck{
		"database": dbClient.HealthCheck,
		"rabbitmq": dispatchClient.HealthCheck,
	}

	var sink notify.Sink = notify.NewLogSink(appLogger.Logger)
	if cfg.RabbitMQ.Notifications.Enabled {
		notifyClient, err := rabbitmq.NewClient(notificationRabbitConfig(&cfg.RabbitMQ), appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize notification publisher: %w", err)
		}
		defer notifyClient.Close()
		sink = notify.NewRabbitMQSink(notifyClient, appLogger.Logger)
		healthChecks["notifications"] = notifyClient.HealthCheck
	}

	guard, err := initGuard(ctx, cfg, db, appLogger.Logger)
	if err != nil {
		return err
	}
	defer guard.close()
	if guard.health != nil {
		healthChecks["redis"] = guard.health
	}

	pricing, err := cfg.PricingTable()
	if err != nil {
		return err
	}

	jobs := jobstore.New(db, appLogger.Logger)
	creditLedger := ledger.New(db, appLogger.Logger)
	manager := lifecycle.NewManager(lifecycle.Config{
		DB:              db,
		Ledger:          creditLedger,
		Jobs:            jobs,
		Materializer:    materializer.New(db, jobs, appLogger.Logger),
		Dispatcher:      dispatch.NewRabbitMQ(dispatchClient, appLogger.Logger),
		Notifier:        sink,
		Logger:          appLogger.Logger,
		DispatchTimeout: cfg.Dispatch.Timeout,
		CallbackURL:     cfg.Dispatch.CallbackURL,
		Pricing:         pricing,
		WithholdRefunds: cfg.Jobs.WithholdRefunds,
	})

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:            appLogger.Logger,
		Jobs:              manager,
		Ledger:            creditLedger,
		Ingestor:          webhook.NewIngestor(guard.Guard, manager, appLogger.Logger),
		ServiceName:       cfg.App.Name,
		HealthChecks:      healthChecks,
		StalePendingAfter: cfg.Jobs.StalePendingAfter,
		ExpireBatchSize:   cfg.Jobs.ExpireBatchSize,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		appLogger.Info("Starting HTTP server",
			slog.String("address", addr),
			slog.Duration("read_timeout", cfg.Server.ReadTimeout),
			slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if guard.sweeper != nil {
		g.Go(func() error {
			return idempotency.RunJanitor(gctx, guard.sweeper, cfg.Idempotency.SweepInterval, appLogger.Logger)
		})
	}

	if cfg.Jobs.StalePendingAfter > 0 {
		g.Go(func() error {
			return runExpirySweep(gctx, manager, cfg.Jobs, appLogger.Logger)
		})
	}

	if err := g.Wait(); err != nil {
		appLogger.Error("API service stopped with error", slog.Any("error", err))
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(app *config.AppConfig, cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      app.Name,
		Version:      app.Version,
	})
}

func postgresConfig(cfg *config.DatabaseConfig, appName string) *postgresql.Config {
	return &postgresql.Config{
		ApplicationName: appName,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}
}

// migrate runs on its own handle because the migrator closes it when done
func migrate(cfg *postgresql.Config) error {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	if err := migrations.Up(db, migrations.DialectPostgres); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func baseRabbitConfig(cfg *config.RabbitMQConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PublisherConfirms:  cfg.Publish.Confirms,
		ConfirmTimeout:     cfg.Publish.ConfirmTimeout,
	}
}

func dispatchRabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	rc := baseRabbitConfig(cfg)
	rc.ExchangeName = cfg.Exchange.Name
	rc.ExchangeType = cfg.Exchange.Type
	rc.ExchangeDurable = cfg.Exchange.Durable
	rc.ExchangeAutoDelete = cfg.Exchange.AutoDelete
	rc.QueueName = cfg.Queue.Name
	rc.QueueDurable = cfg.Queue.Durable
	rc.QueueAutoDelete = cfg.Queue.AutoDelete
	rc.QueueExclusive = cfg.Queue.Exclusive
	rc.RoutingKey = cfg.RoutingKey
	return &rc
}

// notificationRabbitConfig declares only the events exchange; subscribers bind their own queues
func notificationRabbitConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	rc := baseRabbitConfig(cfg)
	rc.ExchangeName = cfg.Notifications.Exchange.Name
	rc.ExchangeType = cfg.Notifications.Exchange.Type
	rc.ExchangeDurable = cfg.Notifications.Exchange.Durable
	rc.ExchangeAutoDelete = cfg.Notifications.Exchange.AutoDelete
	rc.RoutingKey = cfg.Notifications.RoutingKey
	return &rc
}

// callbackGuard bundles the configured idempotency backend with its upkeep.
// sweeper is nil for backends that expire records themselves.
type callbackGuard struct {
	idempotency.Guard
	sweeper idempotency.Sweeper
	health  handler.HealthCheck
	close   func()
}

func initGuard(ctx context.Context, cfg *config.Config, db *sqlx.DB, logger *slog.Logger) (*callbackGuard, error) {
	window := cfg.Idempotency.Window

	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendMemory:
		logger.Warn("In-memory idempotency guard is not shared between replicas")
		g := idempotency.NewMemory(window)
		return &callbackGuard{Guard: g, sweeper: g, close: func() {}}, nil

	case config.IdempotencyBackendRedis:
		client, err := redis.NewClient(ctx, &redis.Config{
			URL:         cfg.Redis.URL,
			Password:    cfg.Redis.Password,
			DialTimeout: cfg.Redis.DialTimeout,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis: %w", err)
		}
		return &callbackGuard{
			Guard:  idempotency.NewRedis(client.Redis(), cfg.Idempotency.KeyPrefix, window),
			health: client.HealthCheck,
			close:  func() { _ = client.Close() },
		}, nil

	default:
		g := idempotency.NewSQL(db, window)
		return &callbackGuard{Guard: g, sweeper: g, close: func() {}}, nil
	}
}

// runExpirySweep periodically fails PENDING jobs whose dispatch was never recorded
func runExpirySweep(ctx context.Context, manager *lifecycle.Manager, cfg config.JobsConfig, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.StalePendingAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := manager.ExpireStale(ctx, cfg.StalePendingAfter, cfg.ExpireBatchSize); err != nil {
				logger.Warn("Stale job sweep failed", slog.Any("error", err))
			}
		}
	}
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
