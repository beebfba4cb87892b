package worker

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer configures QoS and starts consuming the dispatch queue
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.source.Qos(w.prefetchCount); err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.source.Consume(w.workerID)
	if err != nil {
		return nil, err
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startMessageDispatcher decodes deliveries and hands them to the worker pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stop requested")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			req, err := decodeJobRequest(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping undecodable dispatch message",
					slog.String("error", err.Error()),
					slog.String("message_id", delivery.MessageId),
				)
				// malformed messages never become valid, so they go to the DLQ
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case w.jobsChan <- &jobMessage{request: req, delivery: delivery}:
				w.logger.Debug("Job dispatched to worker pool",
					slog.String("external_job_id", req.ExternalJobID),
					slog.Uint64("delivery_tag", delivery.DeliveryTag),
				)
			case <-ctx.Done():
				w.requeue(delivery, req.ExternalJobID)
				return
			case <-w.stopChan:
				w.requeue(delivery, req.ExternalJobID)
				return
			}
		}
	}
}

func (w *Worker) requeue(delivery amqp.Delivery, externalJobID string) {
	if err := delivery.Nack(false, true); err != nil {
		w.logger.Error("Failed to NACK message on shutdown",
			slog.String("external_job_id", externalJobID),
			slog.String("error", err.Error()),
		)
	}
}
