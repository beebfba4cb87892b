// Package materializer turns a completion callback into a persisted artifact
// and a COMPLETED job in one transaction.
package materializer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/jobstore"
	"github.com/cuongbtq/genjobs/shared/postgresql"
)

// CompletedMilestone is the milestone recorded with the final progress event
const CompletedMilestone = "completed"

// errAlreadyTerminal aborts the transaction when another completion won the race
var errAlreadyTerminal = errors.New("job became terminal during materialization")

// Materializer completes jobs
type Materializer struct {
	db     *sqlx.DB
	jobs   *jobstore.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a materializer
func New(db *sqlx.DB, jobs *jobstore.Store, logger *slog.Logger) *Materializer {
	return &Materializer{
		db:     db,
		jobs:   jobs,
		logger: logger,
		now:    func() time.Time { return domain.Timestamp(time.Now()) },
	}
}

// Result describes the outcome of a completion
type Result struct {
	Job      *domain.Job
	Artifact *domain.Artifact
	// Duplicate is set when the job was already terminal and nothing changed
	Duplicate bool
}

// Complete validates the artifact for the job's kind, stores it and marks
// the job COMPLETED with progress 100. Either all of it is written or none.
// An invalid artifact returns *domain.MaterializationInvalidError and the job
// stays as it was.
func (m *Materializer) Complete(ctx context.Context, externalJobID string, artifact domain.Artifact) (*Result, error) {
	var result *Result

	err := postgresql.WithTx(ctx, m.db, func(tx *sqlx.Tx) error {
		jobs := m.jobs.WithTx(tx)

		job, err := jobs.GetByExternalID(ctx, externalJobID)
		if err != nil {
			return err
		}

		if job.State.IsTerminal() {
			result = &Result{Job: job, Duplicate: true}
			return nil
		}

		if err := artifact.Validate(job.Kind); err != nil {
			return err
		}

		now := m.now()
		artifact.ID = uuid.NewString()
		artifact.JobID = job.ID
		artifact.Kind = job.Kind
		artifact.CreatedAt = now

		// the conditional update runs first so a concurrent completion
		// blocks on the row and then sees the job already terminal
		ok, err := jobs.MarkCompleted(ctx, job.ID, artifact.ID, CompletedMilestone, now)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyTerminal
		}

		if err := jobs.CreateArtifact(ctx, &artifact); err != nil {
			return err
		}

		err = jobs.RecordProgressEvent(ctx, domain.ProgressEvent{
			JobID:      job.ID,
			Milestone:  CompletedMilestone,
			Progress:   100,
			RecordedAt: now,
		})
		if err != nil {
			return err
		}

		job.State = domain.JobStateCompleted
		job.Progress = 100
		job.Milestone = CompletedMilestone
		job.ResultRef = artifact.ID
		job.UpdatedAt = now
		job.CompletedAt = &now

		result = &Result{Job: job, Artifact: &artifact}
		return nil
	})

	if errors.Is(err, errAlreadyTerminal) {
		job, getErr := m.jobs.GetByExternalID(ctx, externalJobID)
		if getErr != nil {
			return nil, getErr
		}
		result, err = &Result{Job: job, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}

	if result.Duplicate {
		m.logger.Info("Completion ignored, job already terminal",
			slog.String("job_id", result.Job.ID),
			slog.String("external_job_id", externalJobID),
			slog.String("state", string(result.Job.State)),
		)
		if result.Job.State == domain.JobStateCompleted {
			if existing, err := m.jobs.GetArtifactByJobID(ctx, result.Job.ID); err == nil {
				result.Artifact = existing
			}
		}
		return result, nil
	}

	m.logger.Info("Job completed",
		slog.String("job_id", result.Job.ID),
		slog.String("external_job_id", externalJobID),
		slog.String("artifact_id", result.Artifact.ID),
	)
	return result, nil
}
