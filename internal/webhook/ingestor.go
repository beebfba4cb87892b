// Package webhook turns generation-service callbacks into lifecycle
// transitions, absorbing duplicate and reordered deliveries.
package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/idempotency"
	"github.com/cuongbtq/genjobs/internal/lifecycle"
)

//go:generate mockgen -source=ingestor.go -destination=mocks/mock_ingestor.go -package=mocks

// Lifecycle is the part of the job manager the ingestor drives
type Lifecycle interface {
	RecordProgress(ctx context.Context, update lifecycle.ProgressUpdate) (*lifecycle.ProgressResult, error)
	Fail(ctx context.Context, externalJobID, reason string) (*lifecycle.TerminalResult, error)
	Complete(ctx context.Context, externalJobID string, artifact domain.Artifact) (*lifecycle.TerminalResult, error)
}

// Outcome is what a callback did
type Outcome struct {
	ExternalJobID string
	Status        Status
	// Applied is false for dropped progress and for duplicates
	Applied bool
	// Duplicate is set for terminal callbacks that were already processed
	Duplicate bool
	JobID     string
	State     domain.JobState
}

// Ingestor applies callbacks
type Ingestor struct {
	guard     idempotency.Guard
	lifecycle Lifecycle
	logger    *slog.Logger
}

// NewIngestor creates an ingestor
func NewIngestor(guard idempotency.Guard, lc Lifecycle, logger *slog.Logger) *Ingestor {
	return &Ingestor{guard: guard, lifecycle: lc, logger: logger}
}

// IngestPayload decodes body and ingests the resulting signal
func (i *Ingestor) IngestPayload(ctx context.Context, body []byte) (*Outcome, error) {
	sig, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return i.Ingest(ctx, sig)
}

// Ingest applies one signal.
//
// Progress goes straight to the lifecycle. Terminal signals consult the guard
// first; a key seen inside the window is acknowledged untouched, otherwise
// the transition runs and the key is marked only once it succeeded.
func (i *Ingestor) Ingest(ctx context.Context, sig *Signal) (*Outcome, error) {
	log := i.logger.With(
		slog.String("external_job_id", sig.ExternalJobID),
		slog.String("status", string(sig.Status)),
		slog.String("convention", sig.Convention),
	)

	if !sig.Status.IsTerminal() {
		res, err := i.lifecycle.RecordProgress(ctx, lifecycle.ProgressUpdate{
			ExternalJobID: sig.ExternalJobID,
			Milestone:     sig.Milestone,
			Progress:      sig.Progress,
			Message:       sig.Message,
		})
		if err != nil {
			return nil, i.reject(log, err)
		}
		return &Outcome{
			ExternalJobID: sig.ExternalJobID,
			Status:        sig.Status,
			Applied:       res.Applied,
			JobID:         res.Job.ID,
			State:         res.Job.State,
		}, nil
	}

	seen, err := i.guard.Seen(ctx, sig.ExternalJobID)
	if err != nil {
		log.Error("Idempotency check failed", slog.Any("error", err))
		return nil, fmt.Errorf("failed to check callback idempotency: %w", err)
	}
	if seen {
		log.Info("Duplicate terminal callback acknowledged")
		return &Outcome{ExternalJobID: sig.ExternalJobID, Status: sig.Status, Duplicate: true}, nil
	}

	var res *lifecycle.TerminalResult
	if sig.Status == StatusCompleted {
		res, err = i.lifecycle.Complete(ctx, sig.ExternalJobID, sig.Artifact)
	} else {
		res, err = i.lifecycle.Fail(ctx, sig.ExternalJobID, sig.ErrorReason)
	}
	if err != nil {
		return nil, i.reject(log, err)
	}

	if err := i.guard.Mark(ctx, sig.ExternalJobID); err != nil {
		// the transition is committed and the terminal-state check still
		// stops a replay, so the callback is acknowledged anyway
		log.Warn("Failed to mark callback processed", slog.Any("error", err))
	}

	return &Outcome{
		ExternalJobID: sig.ExternalJobID,
		Status:        sig.Status,
		Applied:       !res.Duplicate,
		Duplicate:     res.Duplicate,
		JobID:         res.Job.ID,
		State:         res.Job.State,
	}, nil
}

func (i *Ingestor) reject(log *slog.Logger, err error) error {
	switch {
	case isNotFound(err):
		log.Error("Callback for unknown job", slog.Any("error", err))
	case isInvalidArtifact(err):
		log.Warn("Callback carried an invalid artifact", slog.Any("error", err))
	default:
		log.Error("Failed to apply callback", slog.Any("error", err))
	}
	return err
}
