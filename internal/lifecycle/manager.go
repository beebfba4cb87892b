// Package lifecycle drives generation jobs from creation to a terminal state
// and keeps their credit charges consistent with that state.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/dispatch"
	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/jobstore"
	"github.com/cuongbtq/genjobs/internal/ledger"
	"github.com/cuongbtq/genjobs/internal/materializer"
	"github.com/cuongbtq/genjobs/internal/notify"
	"github.com/cuongbtq/genjobs/shared/postgresql"
)

const defaultDispatchTimeout = 10 * time.Second

// ErrDispatchTooLate is the cause of a DispatchRejectedError when the
// generation service accepted a job that had already been expired
var ErrDispatchTooLate = errors.New("dispatch acknowledged after the job expired")

// Config holds the collaborators of a Manager
type Config struct {
	DB           *sqlx.DB
	Ledger       *ledger.Ledger
	Jobs         *jobstore.Store
	Materializer *materializer.Materializer
	Dispatcher   dispatch.Client
	Notifier     notify.Sink
	Logger       *slog.Logger

	// DispatchTimeout bounds a dispatch call. Exceeding it counts as a rejection.
	DispatchTimeout time.Duration
	// CallbackURL is handed to the generation service with every job
	CallbackURL string
	// Pricing is the default unit cost per kind
	Pricing map[domain.JobKind]int64
	// WithholdRefunds keeps the charge when a job fails. The refund entry is
	// still written, with a zero amount and the reason.
	WithholdRefunds bool
}

// Manager owns job state transitions
type Manager struct {
	db              *sqlx.DB
	ledger          *ledger.Ledger
	jobs            *jobstore.Store
	materializer    *materializer.Materializer
	dispatcher      dispatch.Client
	notifier        notify.Sink
	logger          *slog.Logger
	dispatchTimeout time.Duration
	callbackURL     string
	pricing         map[domain.JobKind]int64
	withholdRefunds bool
	now             func() time.Time
}

// NewManager creates a manager
func NewManager(cfg Config) *Manager {
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogSink(cfg.Logger)
	}

	return &Manager{
		db:              cfg.DB,
		ledger:          cfg.Ledger,
		jobs:            cfg.Jobs,
		materializer:    cfg.Materializer,
		dispatcher:      cfg.Dispatcher,
		notifier:        notifier,
		logger:          cfg.Logger,
		dispatchTimeout: timeout,
		callbackURL:     cfg.CallbackURL,
		pricing:         cfg.Pricing,
		withholdRefunds: cfg.WithholdRefunds,
		now:             func() time.Time { return domain.Timestamp(time.Now()) },
	}
}

// CreateJobRequest asks for a new job. A zero UnitCost uses the configured
// price for the kind and a zero Quantity means one unit.
type CreateJobRequest struct {
	UserID          string
	Kind            domain.JobKind
	InputParameters json.RawMessage
	UnitCost        int64
	Quantity        int64
}

// CreateJobResult is the accepted job and the balance left after charging it
type CreateJobResult struct {
	Job              *domain.Job
	CreditsRemaining int64
}

// UnitCost returns the configured price for kind
func (m *Manager) UnitCost(kind domain.JobKind) (int64, bool) {
	cost, ok := m.pricing[kind]
	return cost, ok && cost > 0
}

// CreateJob charges the user, persists the job and dispatches it.
//
// The charge and the PENDING row commit together, so an insufficient balance
// leaves neither behind. A rejected or timed out dispatch fails the job and
// refunds it before *domain.DispatchRejectedError is returned together with
// the failed job.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResult, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidRequest)
	}
	if _, err := domain.ParseJobKind(string(req.Kind)); err != nil {
		return nil, err
	}

	unitCost := req.UnitCost
	if unitCost == 0 {
		cost, ok := m.UnitCost(req.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: no price configured for %s", domain.ErrInvalidAmount, req.Kind)
		}
		unitCost = cost
	}
	quantity := req.Quantity
	if quantity == 0 {
		quantity = 1
	}

	params := req.InputParameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if !json.Valid(params) {
		return nil, fmt.Errorf("%w: input parameters must be valid JSON", domain.ErrInvalidRequest)
	}

	now := m.now()
	job := &domain.Job{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Kind:            req.Kind,
		State:           domain.JobStatePending,
		InputParameters: params,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var debit *ledger.Result
	err := postgresql.WithTx(ctx, m.db, func(tx *sqlx.Tx) error {
		var err error
		debit, err = m.ledger.DebitTx(ctx, tx, ledger.DebitRequest{
			UserID:    req.UserID,
			UsageKind: string(req.Kind),
			UnitCost:  unitCost,
			Quantity:  quantity,
			Metadata: map[string]string{
				domain.MetadataJobID:   job.ID,
				domain.MetadataJobKind: string(req.Kind),
			},
			ReferenceID: job.ID,
		})
		if err != nil {
			return err
		}

		job.CreditsCharged = -debit.Entry.SignedAmount
		return m.jobs.WithTx(tx).Create(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("user_id", job.UserID),
		slog.String("kind", string(job.Kind)),
		slog.Int64("credits_charged", job.CreditsCharged),
	)

	externalJobID, dispatchErr := m.dispatch(ctx, job)
	if dispatchErr != nil {
		m.logger.Warn("Dispatch rejected, failing job",
			slog.String("job_id", job.ID),
			slog.Any("error", dispatchErr),
		)

		// compensate even when the caller has gone away
		failed, remaining, err := m.failJob(context.WithoutCancel(ctx), job, "dispatch rejected: "+dispatchErr.Error())
		if errors.Is(err, domain.ErrJobTerminal) {
			// expired by the stale sweep while dispatching, already refunded
			current, getErr := m.jobs.GetByID(ctx, job.ID)
			if getErr != nil {
				return nil, getErr
			}
			return &CreateJobResult{Job: current, CreditsRemaining: m.remaining(ctx, job.UserID)},
				&domain.DispatchRejectedError{JobID: job.ID, Err: dispatchErr}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to compensate rejected dispatch of job %s (%v): %w", job.ID, dispatchErr, err)
		}
		return &CreateJobResult{Job: failed, CreditsRemaining: remaining},
			&domain.DispatchRejectedError{JobID: job.ID, Err: dispatchErr}
	}

	dispatchedAt := m.now()
	err = m.jobs.MarkDispatched(ctx, job.ID, externalJobID, dispatchedAt)
	if errors.Is(err, domain.ErrJobTerminal) {
		return m.lateDispatch(ctx, job, externalJobID, dispatchedAt)
	}
	if err != nil {
		m.logger.Error("Failed to record dispatch acknowledgement",
			slog.String("job_id", job.ID),
			slog.String("external_job_id", externalJobID),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to record dispatch of job %s: %w", job.ID, err)
	}

	job.State = domain.JobStateDispatched
	job.ExternalJobID = externalJobID
	job.DispatchedAt = &dispatchedAt
	job.UpdatedAt = dispatchedAt

	return &CreateJobResult{Job: job, CreditsRemaining: debit.Account.Available}, nil
}

// lateDispatch handles an acknowledgement for a job that became terminal
// while its dispatch was in flight. The external id is still recorded so
// callbacks resolve to the terminal job and are acknowledged as duplicates.
func (m *Manager) lateDispatch(ctx context.Context, job *domain.Job, externalJobID string, at time.Time) (*CreateJobResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.jobs.AttachExternalID(ctx, job.ID, externalJobID, at); err != nil {
		return nil, err
	}

	current, err := m.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	m.logger.Warn("Dispatch acknowledged after job became terminal",
		slog.String("job_id", job.ID),
		slog.String("external_job_id", externalJobID),
		slog.String("state", string(current.State)),
	)

	return &CreateJobResult{Job: current, CreditsRemaining: m.remaining(ctx, job.UserID)},
		&domain.DispatchRejectedError{JobID: job.ID, Err: ErrDispatchTooLate}
}

// remaining reads the balance for a response. A read failure reports zero.
func (m *Manager) remaining(ctx context.Context, userID string) int64 {
	account, err := m.ledger.Balance(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to read balance", slog.String("user_id", userID), slog.Any("error", err))
		return 0
	}
	return account.Available
}

func (m *Manager) dispatch(ctx context.Context, job *domain.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.dispatchTimeout)
	defer cancel()

	externalJobID, err := m.dispatcher.Dispatch(ctx, dispatch.Request{
		JobID:           job.ID,
		UserID:          job.UserID,
		Kind:            job.Kind,
		InputParameters: job.InputParameters,
		CallbackURL:     m.callbackURL,
	})
	if err != nil {
		return "", err
	}
	if externalJobID == "" {
		return "", dispatch.ErrEmptyExternalID
	}
	return externalJobID, nil
}

// ProgressUpdate is one progress report from the generation service
type ProgressUpdate struct {
	ExternalJobID string
	Milestone     string
	Progress      int
	Message       string
}

// ProgressResult reports whether a progress update changed the job
type ProgressResult struct {
	Job     *domain.Job
	Applied bool
}

// RecordProgress applies a progress report. Reports that go backwards or
// target a terminal job are dropped and returned with Applied false.
func (m *Manager) RecordProgress(ctx context.Context, update ProgressUpdate) (*ProgressResult, error) {
	if update.Progress < 0 || update.Progress > 100 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidProgress, update.Progress)
	}

	job, err := m.jobs.GetByExternalID(ctx, update.ExternalJobID)
	if err != nil {
		return nil, err
	}

	milestone := update.Milestone
	if milestone == "" {
		milestone = domain.InferMilestone(job.Kind, update.Progress)
	}

	ev := domain.ProgressEvent{
		JobID:      job.ID,
		Milestone:  milestone,
		Progress:   update.Progress,
		Message:    update.Message,
		RecordedAt: m.now(),
	}

	err = postgresql.WithTx(ctx, m.db, func(tx *sqlx.Tx) error {
		jobs := m.jobs.WithTx(tx)
		if err := jobs.ApplyProgress(ctx, job.ID, ev); err != nil {
			return err
		}
		return jobs.RecordProgressEvent(ctx, ev)
	})

	if errors.Is(err, domain.ErrStaleProgress) || errors.Is(err, domain.ErrJobTerminal) {
		m.logger.Debug("Progress update dropped",
			slog.String("job_id", job.ID),
			slog.String("external_job_id", update.ExternalJobID),
			slog.Int("progress", update.Progress),
			slog.Int("current_progress", job.Progress),
			slog.String("reason", err.Error()),
		)
		return &ProgressResult{Job: job, Applied: false}, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = domain.JobStateInProgress
	job.Milestone = milestone
	job.Progress = update.Progress
	job.Message = update.Message
	job.UpdatedAt = ev.RecordedAt

	return &ProgressResult{Job: job, Applied: true}, nil
}

// TerminalResult is the outcome of a Fail or Complete call
type TerminalResult struct {
	Job      *domain.Job
	Artifact *domain.Artifact
	// Duplicate is set when the job was already terminal and nothing changed
	Duplicate bool
}

// Fail moves the job to FAILED and refunds its charge in the same transaction.
// A job that is already terminal is left untouched.
func (m *Manager) Fail(ctx context.Context, externalJobID, reason string) (*TerminalResult, error) {
	job, err := m.jobs.GetByExternalID(ctx, externalJobID)
	if err != nil {
		return nil, err
	}

	if job.State.IsTerminal() {
		m.logger.Info("Failure ignored, job already terminal",
			slog.String("job_id", job.ID),
			slog.String("external_job_id", externalJobID),
			slog.String("state", string(job.State)),
		)
		return &TerminalResult{Job: job, Duplicate: true}, nil
	}

	failed, _, err := m.failJob(ctx, job, reason)
	if errors.Is(err, domain.ErrJobTerminal) {
		current, getErr := m.jobs.GetByID(ctx, job.ID)
		if getErr != nil {
			return nil, getErr
		}
		return &TerminalResult{Job: current, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &TerminalResult{Job: failed}, nil
}

// failJob is the single path into FAILED. It returns domain.ErrJobTerminal
// when the job reached a terminal state first.
func (m *Manager) failJob(ctx context.Context, job *domain.Job, reason string) (*domain.Job, int64, error) {
	now := m.now()

	refundAmount := job.CreditsCharged
	refundReason := reason
	if m.withholdRefunds {
		refundAmount = 0
		refundReason = "refund withheld by policy: " + reason
	}

	var remaining int64
	err := postgresql.WithTx(ctx, m.db, func(tx *sqlx.Tx) error {
		ok, err := m.jobs.WithTx(tx).MarkFailed(ctx, job.ID, reason, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrJobTerminal
		}

		refund, err := m.ledger.RefundTx(ctx, tx, ledger.RefundRequest{
			UserID: job.UserID,
			Amount: refundAmount,
			Reason: refundReason,
			Metadata: map[string]string{
				domain.MetadataJobID:   job.ID,
				domain.MetadataJobKind: string(job.Kind),
			},
			ReferenceID: job.ID,
		})
		if err != nil {
			return err
		}
		remaining = refund.Account.Available
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	failed := *job
	failed.State = domain.JobStateFailed
	failed.Error = reason
	failed.UpdatedAt = now
	failed.CompletedAt = &now

	m.logger.Info("Job failed",
		slog.String("job_id", job.ID),
		slog.String("external_job_id", job.ExternalJobID),
		slog.String("reason", reason),
		slog.Int64("refunded", refundAmount),
	)

	m.emit(ctx, &failed)
	return &failed, remaining, nil
}

// Complete materializes the artifact and marks the job COMPLETED. Credits
// are never refunded on this path.
func (m *Manager) Complete(ctx context.Context, externalJobID string, artifact domain.Artifact) (*TerminalResult, error) {
	result, err := m.materializer.Complete(ctx, externalJobID, artifact)
	if err != nil {
		return nil, err
	}

	if !result.Duplicate {
		m.emit(ctx, result.Job)
	}
	return &TerminalResult{Job: result.Job, Artifact: result.Artifact, Duplicate: result.Duplicate}, nil
}

// ExpireStale fails and refunds PENDING jobs older than olderThan. These are
// jobs whose dispatch outcome was never recorded. olderThan must exceed the
// dispatch timeout.
func (m *Manager) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	// younger jobs may still have a dispatch in flight
	if olderThan <= m.dispatchTimeout {
		return 0, fmt.Errorf("%w: older_than %s must exceed the dispatch timeout %s",
			domain.ErrInvalidRequest, olderThan, m.dispatchTimeout)
	}
	if limit <= 0 {
		limit = 100
	}

	stale, err := m.jobs.ListStalePending(ctx, m.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		_, _, err := m.failJob(ctx, &stale[i], "dispatch never acknowledged")
		if errors.Is(err, domain.ErrJobTerminal) {
			continue
		}
		if err != nil {
			return expired, fmt.Errorf("failed to expire job %s: %w", stale[i].ID, err)
		}
		expired++
	}

	if expired > 0 {
		m.logger.Warn("Expired stale pending jobs", slog.Int("count", expired))
	}
	return expired, nil
}

// GetJob returns a job by its id
func (m *Manager) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.jobs.GetByID(ctx, jobID)
}

// GetJobByExternalID returns a job by the id the generation service knows it by
func (m *Manager) GetJobByExternalID(ctx context.Context, externalJobID string) (*domain.Job, error) {
	return m.jobs.GetByExternalID(ctx, externalJobID)
}

// ListJobs returns one page of jobs plus one extra row when more exist
func (m *Manager) ListJobs(ctx context.Context, filter jobstore.JobFilter) ([]domain.Job, error) {
	return m.jobs.List(ctx, filter)
}

// ProgressHistory returns every applied progress event of a job
func (m *Manager) ProgressHistory(ctx context.Context, jobID string) ([]domain.ProgressEvent, error) {
	if _, err := m.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return m.jobs.ProgressHistory(ctx, jobID)
}

// Artifact returns the materialized artifact of a completed job
func (m *Manager) Artifact(ctx context.Context, jobID string) (*domain.Artifact, error) {
	if _, err := m.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return m.jobs.GetArtifactByJobID(ctx, jobID)
}

// Entries returns the ledger entries charged and refunded for a job, oldest first
func (m *Manager) Entries(ctx context.Context, jobID string) ([]domain.LedgerEntry, error) {
	if _, err := m.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return m.ledger.EntriesForReference(ctx, jobID)
}

// emit notifies after commit. Delivery errors are logged and never undo the transition.
func (m *Manager) emit(ctx context.Context, job *domain.Job) {
	if err := m.notifier.Notify(ctx, domain.NewJobEvent(job, m.now())); err != nil {
		m.logger.Warn("Failed to deliver job notification",
			slog.String("job_id", job.ID),
			slog.String("state", string(job.State)),
			slog.Any("error", err),
		)
	}
}
