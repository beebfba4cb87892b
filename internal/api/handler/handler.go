package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjobs/internal/ledger"
	"github.com/cuongbtq/genjobs/internal/lifecycle"
	"github.com/cuongbtq/genjobs/internal/webhook"
)

// HealthCheck probes one backing service
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Jobs     *lifecycle.Manager
	Ledger   *ledger.Ledger
	Ingestor *webhook.Ingestor

	// ServiceName is reported by the health endpoint
	ServiceName  string
	HealthChecks map[string]HealthCheck

	// StalePendingAfter is the default age for the expiry sweep
	StalePendingAfter time.Duration
	ExpireBatchSize   int
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger            *slog.Logger
	jobs              *lifecycle.Manager
	stalePendingAfter time.Duration
	expireBatchSize   int
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:            deps.Logger,
		jobs:              deps.Jobs,
		stalePendingAfter: deps.StalePendingAfter,
		expireBatchSize:   deps.ExpireBatchSize,
	}
}

// AccountHandler handles credit account requests
type AccountHandler struct {
	logger *slog.Logger
	ledger *ledger.Ledger
}

// NewAccountHandler creates a new AccountHandler instance
func NewAccountHandler(deps *Dependencies) *AccountHandler {
	return &AccountHandler{
		logger: deps.Logger,
		ledger: deps.Ledger,
	}
}

// WebhookHandler receives generation-service callbacks
type WebhookHandler struct {
	logger   *slog.Logger
	ingestor *webhook.Ingestor
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(deps *Dependencies) *WebhookHandler {
	return &WebhookHandler{
		logger:   deps.Logger,
		ingestor: deps.Ingestor,
	}
}

// HealthHandler reports the state of backing services
type HealthHandler struct {
	service string
	checks  map[string]HealthCheck
}

// NewHealthHandler creates a new HealthHandler instance
func NewHealthHandler(deps *Dependencies) *HealthHandler {
	return &HealthHandler{
		service: deps.ServiceName,
		checks:  deps.HealthChecks,
	}
}
