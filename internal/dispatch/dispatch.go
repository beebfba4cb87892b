// Package dispatch hands accepted jobs to the external generation service.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/shared/rabbitmq"
)

//go:generate mockgen -source=dispatch.go -destination=mocks/mock_dispatch.go -package=mocks

// MessageType tags dispatch messages on the wire
const MessageType = "generation.requested"

// ErrEmptyExternalID is returned when a dispatcher accepts a job without naming it
var ErrEmptyExternalID = errors.New("dispatcher returned an empty external job id")

// Request is everything the generation service needs to run a job
type Request struct {
	JobID           string
	UserID          string
	Kind            domain.JobKind
	InputParameters json.RawMessage
	CallbackURL     string
}

// Client submits a job and returns the external id the generation service
// will use in its callbacks. An error means the job was not accepted.
type Client interface {
	Dispatch(ctx context.Context, req Request) (string, error)
}

// Publisher is the broker side of the RabbitMQ dispatcher
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

// Message is the dispatch payload consumed by generation workers
type Message struct {
	ExternalJobID   string          `json:"external_job_id"`
	JobID           string          `json:"job_id"`
	UserID          string          `json:"user_id"`
	Kind            domain.JobKind  `json:"kind"`
	InputParameters json.RawMessage `json:"input_parameters"`
	CallbackURL     string          `json:"callback_url,omitempty"`
	DispatchedAt    time.Time       `json:"dispatched_at"`
}

// DecodeMessage parses and validates a dispatch payload
func DecodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch message: %w", err)
	}
	if msg.ExternalJobID == "" {
		return nil, errors.New("dispatch message has no external_job_id")
	}
	if _, err := domain.ParseJobKind(string(msg.Kind)); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RabbitMQDispatcher publishes jobs to the generation exchange. A job counts
// as accepted once the broker confirms the message.
type RabbitMQDispatcher struct {
	publisher Publisher
	logger    *slog.Logger
	newID     func() string
}

// NewRabbitMQ creates a dispatcher on publisher
func NewRabbitMQ(publisher Publisher, logger *slog.Logger) *RabbitMQDispatcher {
	return &RabbitMQDispatcher{
		publisher: publisher,
		logger:    logger,
		newID:     func() string { return "gen-" + uuid.NewString() },
	}
}

// Dispatch assigns an external id and publishes the job
func (d *RabbitMQDispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	externalJobID := d.newID()

	params := req.InputParameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}

	body, err := json.Marshal(Message{
		ExternalJobID:   externalJobID,
		JobID:           req.JobID,
		UserID:          req.UserID,
		Kind:            req.Kind,
		InputParameters: params,
		CallbackURL:     req.CallbackURL,
		DispatchedAt:    time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode dispatch message: %w", err)
	}

	err = d.publisher.PublishWithRetry(ctx, rabbitmq.Message{
		Body:        body,
		ContentType: "application/json",
		MessageID:   externalJobID,
		Type:        MessageType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish job %s: %w", req.JobID, err)
	}

	d.logger.Info("Job dispatched",
		slog.String("job_id", req.JobID),
		slog.String("external_job_id", externalJobID),
		slog.String("kind", string(req.Kind)),
	)

	return externalJobID, nil
}
