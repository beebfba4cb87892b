// Package jobstore persists generation jobs, their progress history and the
// artifacts materialized for them.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/pagination"
)

// Store reads and writes jobs through a database handle or a transaction
type Store struct {
	db     sqlx.ExtContext
	logger *slog.Logger
}

// New creates a store on db
func New(db sqlx.ExtContext, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// WithTx returns a store whose statements run inside tx
func (s *Store) WithTx(tx *sqlx.Tx) *Store {
	return &Store{db: tx, logger: s.logger}
}

// JobFilter selects one page of jobs
type JobFilter struct {
	UserID   string
	Kind     domain.JobKind
	State    domain.JobState
	PageSize int
	Cursor   *pagination.Cursor
}

type jobRow struct {
	ID              string     `db:"id"`
	UserID          string     `db:"user_id"`
	ExternalJobID   *string    `db:"external_job_id"`
	Kind            string     `db:"kind"`
	State           string     `db:"state"`
	Milestone       string     `db:"milestone"`
	Progress        int        `db:"progress"`
	Message         string     `db:"message"`
	InputParameters string     `db:"input_parameters"`
	ResultRef       *string    `db:"result_ref"`
	CreditsCharged  int64      `db:"credits_charged"`
	Error           *string    `db:"error"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	DispatchedAt    *time.Time `db:"dispatched_at"`
	CompletedAt     *time.Time `db:"completed_at"`
}

func (r *jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:              r.ID,
		UserID:          r.UserID,
		Kind:            domain.JobKind(r.Kind),
		State:           domain.JobState(r.State),
		Milestone:       r.Milestone,
		Progress:        r.Progress,
		Message:         r.Message,
		InputParameters: json.RawMessage(r.InputParameters),
		CreditsCharged:  r.CreditsCharged,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		DispatchedAt:    r.DispatchedAt,
		CompletedAt:     r.CompletedAt,
	}
	if r.ExternalJobID != nil {
		job.ExternalJobID = *r.ExternalJobID
	}
	if r.ResultRef != nil {
		job.ResultRef = *r.ResultRef
	}
	if r.Error != nil {
		job.Error = *r.Error
	}
	return job
}

const jobColumns = `id, user_id, external_job_id, kind, state, milestone, progress, message,
	input_parameters, result_ref, credits_charged, error, created_at, updated_at, dispatched_at, completed_at`

const notTerminal = `state NOT IN ('COMPLETED', 'FAILED')`

// Create inserts a new job
func (s *Store) Create(ctx context.Context, job *domain.Job) error {
	params := string(job.InputParameters)
	if params == "" {
		params = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		job.ID,
		job.UserID,
		nullable(job.ExternalJobID),
		string(job.Kind),
		string(job.State),
		job.Milestone,
		job.Progress,
		job.Message,
		params,
		nullable(job.ResultRef),
		job.CreditsCharged,
		nullable(job.Error),
		job.CreatedAt,
		job.UpdatedAt,
		job.DispatchedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetByID returns domain.ErrJobNotFound when no job has the id
func (s *Store) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
}

// GetByExternalID returns domain.ErrJobNotFound when no job carries the external id
func (s *Store) GetByExternalID(ctx context.Context, externalJobID string) (*domain.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_job_id = ?`, externalJobID)
}

func (s *Store) getOne(ctx context.Context, query string, arg string) (*domain.Job, error) {
	var row jobRow
	err := sqlx.GetContext(ctx, s.db, &row, s.db.Rebind(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// MarkDispatched records the external id of a PENDING job
func (s *Store) MarkDispatched(ctx context.Context, jobID, externalJobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET state = ?, external_job_id = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`), string(domain.JobStateDispatched), externalJobID, at, at, jobID, string(domain.JobStatePending))
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark job dispatched: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobTerminal
	}
	return nil
}

// AttachExternalID records an external id acknowledged after the job already
// left PENDING. It never overwrites an id that is already set.
func (s *Store) AttachExternalID(ctx context.Context, jobID, externalJobID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET external_job_id = ?, dispatched_at = ?, updated_at = ?
		WHERE id = ? AND external_job_id IS NULL
	`), externalJobID, at, at, jobID)
	if err != nil {
		return fmt.Errorf("failed to attach external job id: %w", err)
	}
	return nil
}

// ApplyProgress moves a non-terminal job to IN_PROGRESS. The update only
// applies when progress does not go backwards: domain.ErrStaleProgress and
// domain.ErrJobTerminal report the two ways it can be refused.
func (s *Store) ApplyProgress(ctx context.Context, jobID string, ev domain.ProgressEvent) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET state = ?, milestone = ?, progress = ?, message = ?, updated_at = ?
		WHERE id = ? AND progress <= ? AND `+notTerminal+`
	`), string(domain.JobStateInProgress), ev.Milestone, ev.Progress, ev.Message, ev.RecordedAt, jobID, ev.Progress)
	if err != nil {
		return fmt.Errorf("failed to apply progress: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to apply progress: %w", err)
	}
	if affected > 0 {
		return nil
	}

	job, err := s.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return domain.ErrJobTerminal
	}
	return domain.ErrStaleProgress
}

// MarkFailed moves a non-terminal job to FAILED. It reports false when the
// job was already terminal.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET state = ?, error = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND `+notTerminal+`
	`), string(domain.JobStateFailed), reason, at, at, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job failed: %w", err)
	}
	return transitioned(res)
}

// MarkCompleted moves a non-terminal job to COMPLETED with progress 100. It
// reports false when the job was already terminal.
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultRef, milestone string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE jobs
		SET state = ?, result_ref = ?, progress = 100, milestone = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND `+notTerminal+`
	`), string(domain.JobStateCompleted), resultRef, milestone, at, at, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job completed: %w", err)
	}
	return transitioned(res)
}

// RecordProgressEvent appends to the history. A second event at the same
// percentage is ignored.
func (s *Store) RecordProgressEvent(ctx context.Context, ev domain.ProgressEvent) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO job_progress (job_id, progress, milestone, message, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, progress) DO NOTHING
	`), ev.JobID, ev.Progress, ev.Milestone, ev.Message, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("failed to record progress event: %w", err)
	}
	return nil
}

type progressRow struct {
	JobID      string    `db:"job_id"`
	Progress   int       `db:"progress"`
	Milestone  string    `db:"milestone"`
	Message    string    `db:"message"`
	RecordedAt time.Time `db:"recorded_at"`
}

// ProgressHistory returns the applied events in ascending progress order
func (s *Store) ProgressHistory(ctx context.Context, jobID string) ([]domain.ProgressEvent, error) {
	var rows []progressRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT job_id, progress, milestone, message, recorded_at
		FROM job_progress
		WHERE job_id = ?
		ORDER BY progress ASC
	`), jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress history: %w", err)
	}

	events := make([]domain.ProgressEvent, 0, len(rows))
	for _, r := range rows {
		events = append(events, domain.ProgressEvent{
			JobID:      r.JobID,
			Milestone:  r.Milestone,
			Progress:   r.Progress,
			Message:    r.Message,
			RecordedAt: r.RecordedAt,
		})
	}
	return events, nil
}

// List returns one page of jobs, newest first, with one extra row when
// another page exists
func (s *Store) List(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}

	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}

	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}

	if filter.Cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pagination.ClampPageSize(filter.PageSize)+1)

	var rows []jobRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].toDomain())
	}
	return jobs, nil
}

// ListStalePending returns PENDING jobs created before cutoff, oldest first
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	var rows []jobRow
	err := sqlx.SelectContext(ctx, s.db, &rows, s.db.Rebind(`
		SELECT `+jobColumns+`
		FROM jobs
		WHERE state = ? AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`), string(domain.JobStatePending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, *rows[i].toDomain())
	}
	return jobs, nil
}

func transitioned(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
