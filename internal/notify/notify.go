// Package notify tells interested parties that a job reached a terminal state.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/shared/rabbitmq"
)

//go:generate mockgen -source=notify.go -destination=mocks/mock_notify.go -package=mocks

// EventType tags notification messages on the wire
const EventType = "generation.finished"

// Sink receives terminal job events. Delivery is best effort.
type Sink interface {
	Notify(ctx context.Context, event domain.JobEvent) error
}

// Publisher is the broker side of the RabbitMQ sink
type Publisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// LogSink writes events to the log, used when no broker is configured
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink on logger
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Notify logs the event
func (s *LogSink) Notify(_ context.Context, event domain.JobEvent) error {
	s.logger.Info("Job finished",
		slog.String("job_id", event.JobID),
		slog.String("external_job_id", event.ExternalJobID),
		slog.String("user_id", event.UserID),
		slog.String("state", string(event.State)),
		slog.String("result_ref", event.ResultRef),
		slog.String("error", event.Error),
	)
	return nil
}

// RabbitMQSink publishes events to the notification exchange
type RabbitMQSink struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewRabbitMQSink creates a sink on publisher
func NewRabbitMQSink(publisher Publisher, logger *slog.Logger) *RabbitMQSink {
	return &RabbitMQSink{publisher: publisher, logger: logger}
}

// Notify publishes the event as JSON
func (s *RabbitMQSink) Notify(ctx context.Context, event domain.JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode job event: %w", err)
	}

	err = s.publisher.Publish(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   event.JobID + ":" + string(event.State),
		Type:        EventType,
	})
	if err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}

	s.logger.Debug("Job event published",
		slog.String("job_id", event.JobID),
		slog.String("state", string(event.State)),
	)
	return nil
}
