package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjobs/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg := <-w.jobsChan:
			log := w.logger.With(
				slog.String("worker_name", workerName),
				slog.String("external_job_id", msg.request.ExternalJobID),
				slog.Uint64("delivery_tag", msg.delivery.DeliveryTag),
			)

			err := w.processJob(ctx, msg.request)
			if err == nil {
				if ackErr := msg.delivery.Ack(false); ackErr != nil {
					log.Error("Failed to ACK message", slog.String("error", ackErr.Error()))
				}
				continue
			}

			requeue := shouldRequeueJob(err)
			log.Error("Job processing failed",
				slog.String("error", err.Error()),
				slog.Bool("requeue", requeue),
			)
			if nackErr := msg.delivery.Nack(false, requeue); nackErr != nil {
				log.Error("Failed to NACK message", slog.String("error", nackErr.Error()))
			}
		}
	}
}

// shouldRequeueJob requeues transient failures only
func shouldRequeueJob(err error) bool {
	if errors.Is(err, ErrCallbackRejected) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
