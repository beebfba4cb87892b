// Package worker is a reference generation service. It consumes dispatched
// jobs from RabbitMQ, walks each kind's milestones and reports back to the
// API service through its webhook.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/genjobs/internal/dispatch"
)

// Source delivers dispatched jobs
type Source interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger   *slog.Logger
	Source   Source
	Reporter Reporter

	WorkerID      string
	Concurrency   int
	PrefetchCount int
	JobTimeout    time.Duration
	// StepDelay is how long each simulated milestone takes
	StepDelay time.Duration
	// FailureRate is the share of jobs reported as failed
	FailureRate float64
}

// Worker represents the background job worker
type Worker struct {
	logger        *slog.Logger
	source        Source
	reporter      Reporter
	workerID      string
	concurrency   int
	prefetchCount int
	jobTimeout    time.Duration
	stepDelay     time.Duration
	failureRate   float64
	random        func() float64

	jobsChan chan *jobMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// jobMessage is a decoded delivery waiting for a pool goroutine
type jobMessage struct {
	request  *dispatch.Message
	delivery amqp.Delivery
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:        cfg.Logger,
		source:        cfg.Source,
		reporter:      cfg.Reporter,
		workerID:      cfg.WorkerID,
		concurrency:   concurrency,
		prefetchCount: prefetch,
		jobTimeout:    cfg.JobTimeout,
		stepDelay:     cfg.StepDelay,
		failureRate:   cfg.FailureRate,
		random:        rand.Float64,
		jobsChan:      make(chan *jobMessage),
		stopChan:      make(chan struct{}),
	}
}

// Start consumes and processes jobs until ctx is canceled, Stop is called or
// the delivery channel closes. It returns once every pool goroutine exited.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	cancel()
	w.wg.Wait()

	w.logger.Info("Worker stopped", slog.String("worker_id", w.workerID))
	return nil
}

// Stop asks the worker to finish. In-flight jobs are requeued.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}
