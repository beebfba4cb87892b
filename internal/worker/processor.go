package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/genjobs/internal/dispatch"
	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/webhook"
)

func decodeJobRequest(body []byte) (*dispatch.Message, error) {
	msg, err := dispatch.DecodeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.CallbackURL == "" {
		return nil, fmt.Errorf("%w: no callback_url", ErrInvalidMessage)
	}
	return msg, nil
}

// processJob runs one job to a terminal report. A nil return acks the
// delivery; a RetryableError requeues it.
func (w *Worker) processJob(ctx context.Context, req *dispatch.Message) error {
	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	w.logger.Info("Processing job",
		slog.String("external_job_id", req.ExternalJobID),
		slog.String("job_id", req.JobID),
		slog.String("kind", string(req.Kind)),
	)

	err := w.simulate(jobCtx, req)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return domain.NewRetryableError(fmt.Errorf("job interrupted: %w", ctx.Err()))
	case jobCtx.Err() != nil:
		w.logger.Warn("Job timed out",
			slog.String("external_job_id", req.ExternalJobID),
			slog.Duration("job_timeout", w.jobTimeout),
		)
		return w.reporter.Report(ctx, req.CallbackURL, Report{
			ExternalJobID: req.ExternalJobID,
			Status:        webhook.StatusFailed,
			ErrorReason:   fmt.Sprintf("generation timed out after %s", w.jobTimeout),
		})
	default:
		return err
	}
}

// simulate walks the kind's milestones and sends the terminal report
func (w *Worker) simulate(ctx context.Context, req *dispatch.Message) error {
	for _, m := range domain.Milestones(req.Kind) {
		if err := w.sleep(ctx); err != nil {
			return err
		}

		err := w.reporter.Report(ctx, req.CallbackURL, Report{
			ExternalJobID: req.ExternalJobID,
			Status:        webhook.StatusProgress,
			Milestone:     m.Name,
			Progress:      m.Progress,
			Message:       fmt.Sprintf("%s reached", m.Name),
		})
		if err != nil {
			return err
		}
	}

	if err := w.sleep(ctx); err != nil {
		return err
	}

	if w.failureRate > 0 && w.random() < w.failureRate {
		w.logger.Info("Simulating generation failure",
			slog.String("external_job_id", req.ExternalJobID),
		)
		return w.reporter.Report(ctx, req.CallbackURL, Report{
			ExternalJobID: req.ExternalJobID,
			Status:        webhook.StatusFailed,
			ErrorReason:   "simulated generation failure",
		})
	}

	artifact := simulateArtifact(req)
	return w.reporter.Report(ctx, req.CallbackURL, Report{
		ExternalJobID: req.ExternalJobID,
		Status:        webhook.StatusCompleted,
		Artifact:      &artifact,
	})
}

func (w *Worker) sleep(ctx context.Context) error {
	if w.stepDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(w.stepDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
